package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bdougie/visiondetect/internal/models"
)

const defaultBatchSize = 10 // Number of frame results to batch write

// ResultsFile is the name of the JSON detection log written per job
const ResultsFile = "detections.json"

// Storage defines the interface for persisting accepted detections
type Storage interface {
	// AddResult records the accepted detections of one frame
	AddResult(ctx context.Context, result models.FrameResult) error

	// Flush ensures all pending results are saved
	Flush() error
}

// JSONStorage appends frame results to a JSON file in batches
type JSONStorage struct {
	results   []models.FrameResult
	mu        sync.Mutex
	path      string
	batchSize int
}

// NewJSONStorage writes results to outputDir/name/detections.json
func NewJSONStorage(outputDir, name string, batchSize int) *JSONStorage {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &JSONStorage{
		path:      filepath.Join(outputDir, name, ResultsFile),
		batchSize: batchSize,
	}
}

// Path returns the results file location
func (s *JSONStorage) Path() string {
	return s.path
}

// AddResult adds a result to the batch and flushes if the batch is full
func (s *JSONStorage) AddResult(ctx context.Context, result models.FrameResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)

	// Write to disk when batch is full
	if len(s.results) >= s.batchSize {
		return s.flush()
	}
	return nil
}

// Flush writes all pending results to disk
func (s *JSONStorage) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}

func (s *JSONStorage) flush() error {
	if len(s.results) == 0 {
		return nil
	}

	existing, err := ReadResults(s.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	all := append(existing, s.results...)

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for results: %w", err)
	}

	tmp := s.path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create results file: %w", err)
	}
	if err := json.NewEncoder(file).Encode(all); err != nil {
		file.Close()
		return fmt.Errorf("failed to encode results: %w", err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace results file: %w", err)
	}

	s.results = nil // Clear the batch
	return nil
}

// ReadResults loads a results file written by JSONStorage
func ReadResults(path string) ([]models.FrameResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var results []models.FrameResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("failed to unmarshal existing results: %w", err)
	}
	return results, nil
}
