package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/bdougie/visiondetect/internal/geometry"
	"github.com/bdougie/visiondetect/internal/models"
)

// PostgresConfig holds connection details for PostgreSQL
type PostgresConfig struct {
	URL      string // used as-is when set
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

// ConnString builds the connection string
func (c PostgresConfig) ConnString() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.DBName,
	)
}

// Enabled reports whether enough is configured to connect
func (c PostgresConfig) Enabled() bool {
	return c.URL != "" || c.Host != ""
}

// BoxSearchResult is a stored detection ranked by box distance
type BoxSearchResult struct {
	JobID       string           `json:"job_id"`
	FrameNumber int              `json:"frame"`
	Detection   models.Detection `json:"detection"`
	Distance    float64          `json:"distance"`
}

// PostgresStorage stores accepted detections with their boxes as pgvector columns
type PostgresStorage struct {
	pool    *pgxpool.Pool
	videoID int
	jobID   string
}

// NewPostgresStorage connects and registers the job under its video
func NewPostgresStorage(ctx context.Context, config PostgresConfig, videoName, jobID string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, config.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	storage := &PostgresStorage{
		pool:  pool,
		jobID: jobID,
	}

	videoID, err := storage.getOrCreateVideo(ctx, videoName)
	if err != nil {
		pool.Close()
		return nil, err
	}
	storage.videoID = videoID

	_, err = pool.Exec(ctx,
		"INSERT INTO jobs (id, video_id, status, created_at) VALUES ($1, $2, $3, $4)",
		jobID, videoID, "running", time.Now())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create job entry: %w", err)
	}

	return storage, nil
}

// Close closes the database connection
func (s *PostgresStorage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// getOrCreateVideo gets an existing video entry or creates a new one
func (s *PostgresStorage) getOrCreateVideo(ctx context.Context, videoName string) (int, error) {
	var id int
	err := s.pool.QueryRow(ctx,
		"SELECT id FROM videos WHERE name = $1",
		videoName).Scan(&id)

	if err == nil {
		return id, nil
	} else if err != pgx.ErrNoRows {
		return 0, fmt.Errorf("error checking for existing video: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		"INSERT INTO videos (name, created_at) VALUES ($1, $2) RETURNING id",
		videoName, time.Now()).Scan(&id)

	if err != nil {
		return 0, fmt.Errorf("failed to create video entry: %w", err)
	}

	return id, nil
}

// AddResult stores the frame's accepted detections in one batch
func (s *PostgresStorage) AddResult(ctx context.Context, result models.FrameResult) error {
	if len(result.Detections) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	now := time.Now()
	for _, d := range result.Detections {
		batch.Queue(
			`INSERT INTO detections
			(job_id, frame_number, label, confidence, box, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			s.jobID, result.Frame, d.Label, d.Confidence, pgvector.NewVector(d.Box.Slice()), now)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range result.Detections {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to store detection: %w", err)
		}
	}
	return nil
}

// Flush marks the job as finished; detections are written immediately
func (s *PostgresStorage) Flush() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := s.pool.Exec(ctx,
		"UPDATE jobs SET status = $1, finished_at = $2 WHERE id = $3",
		"done", time.Now(), s.jobID)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	return nil
}

// SearchSimilarBoxes finds stored detections of this video whose boxes are nearest to box
func (s *PostgresStorage) SearchSimilarBoxes(ctx context.Context, box geometry.Box, limit int) ([]BoxSearchResult, error) {
	return searchBoxes(ctx, s.pool, s.videoID, box, limit)
}

// FindSimilarBoxes searches the detections recorded for videoName without opening a job
func FindSimilarBoxes(ctx context.Context, config PostgresConfig, videoName string, box geometry.Box, limit int) ([]BoxSearchResult, error) {
	pool, err := pgxpool.New(ctx, config.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	var videoID int
	err = pool.QueryRow(ctx, "SELECT id FROM videos WHERE name = $1", videoName).Scan(&videoID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("video '%s' has no stored detections", videoName)
	} else if err != nil {
		return nil, fmt.Errorf("error looking up video: %w", err)
	}
	return searchBoxes(ctx, pool, videoID, box, limit)
}

func searchBoxes(ctx context.Context, pool *pgxpool.Pool, videoID int, box geometry.Box, limit int) ([]BoxSearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := pool.Query(ctx,
		`SELECT d.job_id, d.frame_number, d.label, d.confidence, d.box,
        d.box <-> $1 AS distance
        FROM detections d
        JOIN jobs j ON d.job_id = j.id
        WHERE j.video_id = $2
        ORDER BY d.box <-> $1
        LIMIT $3`,
		pgvector.NewVector(box.Slice()), videoID, limit)

	if err != nil {
		return nil, fmt.Errorf("failed to search similar boxes: %w", err)
	}
	defer rows.Close()

	var results []BoxSearchResult
	for rows.Next() {
		var r BoxSearchResult
		var v pgvector.Vector
		if err := rows.Scan(&r.JobID, &r.FrameNumber, &r.Detection.Label,
			&r.Detection.Confidence, &v, &r.Distance); err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		if c := v.Slice(); len(c) == 4 {
			r.Detection.Box = geometry.NewBox(float64(c[0]), float64(c[1]), float64(c[2]), float64(c[3]))
		}
		results = append(results, r)
	}

	return results, rows.Err()
}

// InitSchema creates the database schema if it doesn't exist
func InitSchema(ctx context.Context, config PostgresConfig) error {
	conn, err := pgx.Connect(ctx, config.ConnString())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	_, err = conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS videos (
            id SERIAL PRIMARY KEY,
            name VARCHAR(255) NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            UNIQUE(name)
        );

        CREATE TABLE IF NOT EXISTS jobs (
            id VARCHAR(36) PRIMARY KEY,
            video_id INTEGER REFERENCES videos(id) ON DELETE CASCADE,
            status VARCHAR(16) NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            finished_at TIMESTAMPTZ
        );

        CREATE TABLE IF NOT EXISTS detections (
            id SERIAL PRIMARY KEY,
            job_id VARCHAR(36) REFERENCES jobs(id) ON DELETE CASCADE,
            frame_number INTEGER NOT NULL,
            label VARCHAR(64) NOT NULL,
            confidence DOUBLE PRECISION NOT NULL,
            box vector(4) NOT NULL,
            created_at TIMESTAMPTZ NOT NULL
        );
    `)
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}

	_, err = conn.Exec(ctx, `
        CREATE INDEX IF NOT EXISTS idx_jobs_video_id ON jobs(video_id);
        CREATE INDEX IF NOT EXISTS idx_detections_job_id ON detections(job_id);
    `)
	if err != nil {
		return fmt.Errorf("failed to create database indexes: %w", err)
	}

	return nil
}
