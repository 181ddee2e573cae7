// Package pipeline runs a video through extraction, per-frame detection, duplicate
// suppression, annotation and re-encoding, recording progress on a progress.Job.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bdougie/visiondetect/internal/annotate"
	"github.com/bdougie/visiondetect/internal/dedup"
	"github.com/bdougie/visiondetect/internal/detector"
	"github.com/bdougie/visiondetect/internal/models"
	"github.com/bdougie/visiondetect/internal/progress"
	"github.com/bdougie/visiondetect/internal/storage"
)

// Failure classes. Returned errors wrap one of these and the underlying cause.
var (
	ErrAdapter    = errors.New("media adapter failure")
	ErrEmptyInput = errors.New("no frames extracted")
	ErrStorage    = errors.New("storage failure")
	ErrDetector   = errors.New("detector failure")
)

// Media decodes a video into ordered frames and encodes frames back into a video
type Media interface {
	// Extract writes every frame of videoPath into frameDir, returned in ascending
	// index order starting at 0 with no gaps
	Extract(ctx context.Context, videoPath, frameDir string) ([]models.Frame, error)

	// Encode assembles frames, in index order, into outputPath at fps
	Encode(ctx context.Context, frames []models.Frame, outputPath string, fps int) error
}

// StorageFactory opens the result storage for a job. Storages that have a Close()
// method are closed when the job ends.
type StorageFactory func(ctx context.Context, job *progress.Job) (storage.Storage, error)

// Options tunes a Processor
type Options struct {
	FramesDir    string  // parent of the per-job frame directories
	OutputDir    string  // parent of the processed videos
	FrameRate    int     // encode frame rate
	IoUThreshold float64 // duplicate suppression threshold
	Workers      int     // concurrent detector calls; 1 is fully sequential
	AnnotateAll  bool    // draw every detection, not only newly accepted ones

	// Baseline chooses what each frame is compared against; the zero value compares
	// against every detection of the previous frame
	Baseline dedup.Baseline
}

func (o *Options) setDefaults() {
	if o.FramesDir == "" {
		o.FramesDir = "frames"
	}
	if o.OutputDir == "" {
		o.OutputDir = "static"
	}
	if o.FrameRate <= 0 {
		o.FrameRate = 30
	}
	if o.IoUThreshold <= 0 || o.IoUThreshold > 1 {
		o.IoUThreshold = dedup.DefaultIoUThreshold
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
}

// Processor runs jobs. One Processor may run several jobs concurrently; each job
// keeps its own counters, log and frame directory.
type Processor struct {
	media    Media
	detector detector.Detector
	jobs     *progress.Registry
	storage  StorageFactory
	opts     Options
	logger   *slog.Logger
}

func NewProcessor(media Media, det detector.Detector, jobs *progress.Registry, opts Options, logger *slog.Logger) *Processor {
	opts.setDefaults()
	if jobs == nil {
		jobs = progress.NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		media:    media,
		detector: det,
		jobs:     jobs,
		opts:     opts,
		logger:   logger,
	}
}

// SetStorage makes every job persist its accepted detections through f
func (p *Processor) SetStorage(f StorageFactory) {
	p.storage = f
}

// Jobs returns the registry jobs are recorded in
func (p *Processor) Jobs() *progress.Registry {
	return p.jobs
}

// Submit registers a new job for videoPath without starting it
func (p *Processor) Submit(videoPath string) *progress.Job {
	job := progress.NewJob(videoPath, "")
	job.OutputPath = filepath.Join(p.opts.OutputDir, job.ID, "processed_"+filepath.Base(videoPath))
	p.jobs.Add(job)
	return job
}

// Run submits videoPath and processes it, blocking until the job is done or failed
func (p *Processor) Run(ctx context.Context, videoPath string) (*progress.Job, error) {
	job := p.Submit(videoPath)
	return job, p.ProcessVideo(ctx, job)
}

// FrameDir returns where a job's intermediate frames live
func (p *Processor) FrameDir(job *progress.Job) string {
	return filepath.Join(p.opts.FramesDir, job.ID)
}

// ProcessVideo takes a submitted job through every pipeline stage. On failure the job
// is marked failed, counters keep their last values and frames are left on disk.
func (p *Processor) ProcessVideo(ctx context.Context, job *progress.Job) error {
	logger := p.logger.With("job", job.ID)
	if err := p.process(ctx, job, logger); err != nil {
		job.Fail(err)
		logger.Error("Job failed", "video", job.VideoPath, "err", err)
		return err
	}
	return nil
}

func (p *Processor) process(ctx context.Context, job *progress.Job, logger *slog.Logger) error {
	frameDir := p.FrameDir(job)

	if err := p.transition(job, progress.StateExtracting, logger); err != nil {
		return err
	}
	frames, err := p.media.Extract(ctx, job.VideoPath, frameDir)
	if err != nil {
		return fmt.Errorf("%w: extract '%s': %w", ErrAdapter, job.VideoPath, err)
	}
	job.SetExtraction(100)
	if len(frames) == 0 {
		return fmt.Errorf("%w: '%s'", ErrEmptyInput, job.VideoPath)
	}
	for i, f := range frames {
		if f.Index != i {
			return fmt.Errorf("%w: frame %d has index %d", ErrAdapter, i, f.Index)
		}
	}
	job.SetFrames(len(frames))
	logger.Info("Found frames to analyze", "frames", len(frames))

	store, err := p.openStorage(ctx, job)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if c, ok := store.(interface{ Close() }); ok {
		defer c.Close()
	}

	if err := p.transition(job, progress.StateDetecting, logger); err != nil {
		return err
	}
	if err := p.processFrames(ctx, job, frames, store, logger); err != nil {
		return err
	}
	if store != nil {
		if err := store.Flush(); err != nil {
			return fmt.Errorf("%w: failed to flush final results: %w", ErrStorage, err)
		}
	}

	if err := p.transition(job, progress.StateEncoding, logger); err != nil {
		return err
	}
	if err := p.media.Encode(ctx, frames, job.OutputPath, p.opts.FrameRate); err != nil {
		return fmt.Errorf("%w: encode '%s': %w", ErrAdapter, job.OutputPath, err)
	}

	if err := p.transition(job, progress.StateCleaning, logger); err != nil {
		return err
	}
	if err := os.RemoveAll(frameDir); err != nil {
		return fmt.Errorf("%w: failed to delete frames '%s': %w", ErrStorage, frameDir, err)
	}

	if err := p.transition(job, progress.StateDone, logger); err != nil {
		return err
	}
	if res, err := job.Result(); err == nil {
		logger.Info("Detected objects", "counts", res.Counts, "output", job.OutputPath)
	}
	return nil
}

func (p *Processor) transition(job *progress.Job, s progress.State, logger *slog.Logger) error {
	if err := job.SetState(s); err != nil {
		return err
	}
	logger.Info("Job state", "state", s)
	return nil
}

func (p *Processor) openStorage(ctx context.Context, job *progress.Job) (storage.Storage, error) {
	if p.storage == nil {
		return nil, nil
	}
	return p.storage(ctx, job)
}

type detectResult struct {
	img  *image.RGBA
	dets []models.Detection
	err  error
}

// processFrames runs the detector on up to Workers frames at once, while suppression,
// annotation, logging and progress happen on this goroutine in frame order.
func (p *Processor) processFrames(ctx context.Context, job *progress.Job, frames []models.Frame, store storage.Storage, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	n := len(frames)
	workers := max(1, min(p.opts.Workers, n))

	// one buffered slot per frame, each written exactly once
	slots := make([]chan detectResult, n)
	for i := range slots {
		slots[i] = make(chan detectResult, 1)
	}
	window := make(chan struct{}, 2*workers)
	workChan := make(chan models.WorkItem)

	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	// Start worker pool
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for work := range workChan {
				slots[work.Frame.Index] <- p.detectFrame(ctx, work)
			}
		}()
	}

	// Send work to workers, never more than the window ahead of the consumer
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(workChan)
		for _, f := range frames {
			select {
			case window <- struct{}{}:
			case <-ctx.Done():
				return
			}
			select {
			case workChan <- models.WorkItem{Frame: f, Total: n}:
			case <-ctx.Done():
				return
			}
		}
	}()

	sup := dedup.NewSuppressor(p.opts.IoUThreshold, p.opts.Baseline)
	for i, frame := range frames {
		var res detectResult
		select {
		case res = <-slots[i]:
		case <-ctx.Done():
			return ctx.Err()
		}
		<-window
		if res.err != nil {
			return res.err
		}

		accepted := sup.Next(res.dets)
		drawn := accepted
		if p.opts.AnnotateAll {
			drawn = res.dets
		}
		if len(drawn) > 0 {
			annotate.Annotate(res.img, drawn)
			if err := annotate.SaveFrame(frame.Path, res.img); err != nil {
				return fmt.Errorf("%w: %w", ErrStorage, err)
			}
		}

		job.Append(accepted...)
		if store != nil && len(accepted) > 0 {
			err := store.AddResult(ctx, models.FrameResult{
				JobID:      job.ID,
				Frame:      frame.Index,
				Detections: accepted,
			})
			if err != nil {
				return fmt.Errorf("%w: %w", ErrStorage, err)
			}
		}

		job.FrameDone(i, n)
		logger.Debug("Processed frame",
			"frame", i+1,
			"frames", n,
			"detected", len(res.dets),
			"new", len(accepted),
			"progress", job.Progress().Detection)
	}
	return nil
}

func (p *Processor) detectFrame(ctx context.Context, work models.WorkItem) detectResult {
	img, err := annotate.LoadFrame(work.Frame.Path)
	if err != nil {
		return detectResult{err: fmt.Errorf("%w: %w", ErrStorage, err)}
	}
	dets, err := p.detector.Detect(ctx, detector.Input{Path: work.Frame.Path, Image: img})
	if err != nil {
		return detectResult{err: fmt.Errorf("%w: frame %d/%d: %w", ErrDetector, work.Frame.Index+1, work.Total, err)}
	}
	return detectResult{img: img, dets: dets}
}
