package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/akamensky/argparse"
	"github.com/lmittmann/tint"

	"github.com/bdougie/visiondetect/internal/config"
	"github.com/bdougie/visiondetect/internal/dedup"
	"github.com/bdougie/visiondetect/internal/detector"
	"github.com/bdougie/visiondetect/internal/extractor"
	"github.com/bdougie/visiondetect/internal/geometry"
	"github.com/bdougie/visiondetect/internal/pipeline"
	"github.com/bdougie/visiondetect/internal/progress"
	"github.com/bdougie/visiondetect/internal/server"
	"github.com/bdougie/visiondetect/internal/storage"
)

func main() {
	parser := argparse.NewParser("visiondetect", "Detect, deduplicate and annotate objects in videos")
	debug := parser.Flag("", "debug", &argparse.Options{Help: "Enable debug logging"})
	detectorName := parser.Selector("", "detector", []string{"yolo", "ollama"}, &argparse.Options{Help: "Object detector backend"})
	modelPath := parser.String("m", "model", &argparse.Options{Help: "Path to ONNX model (yolo detector)"})
	visionModel := parser.String("", "vision-model", &argparse.Options{Help: "Ollama vision model (ollama detector)"})
	workers := parser.Int("w", "workers", &argparse.Options{Help: "Concurrent detector calls"})
	frameRate := parser.Int("r", "framerate", &argparse.Options{Help: "Output video frame rate"})
	iou := parser.Float("", "iou", &argparse.Options{Help: "IoU above which a detection repeats the previous frame"})
	annotateAll := parser.Flag("", "annotate-all", &argparse.Options{Help: "Draw every detection, not only new ones"})
	acceptedBaseline := parser.Flag("", "accepted-baseline", &argparse.Options{Help: "Compare each frame only with the previous frame's new detections"})
	outputDir := parser.String("o", "output", &argparse.Options{Help: "Output directory for processed videos"})

	processCmd := parser.NewCommand("process", "Process one video and exit")
	input := processCmd.String("i", "input", &argparse.Options{Help: "Input video file", Required: true})

	serveCmd := parser.NewCommand("serve", "Run the HTTP API")
	listen := serveCmd.String("l", "listen", &argparse.Options{Help: "Listen address"})
	allowLocalPaths := serveCmd.Flag("", "allow-local-paths", &argparse.Options{Help: "Accept submissions naming any file on this host"})

	initdbCmd := parser.NewCommand("initdb", "Create the Postgres schema")

	similarCmd := parser.NewCommand("similar", "Find stored detections with boxes nearest to a box")
	similarVideo := similarCmd.String("v", "video", &argparse.Options{Help: "Video path the detections were recorded under", Required: true})
	similarBox := similarCmd.String("b", "box", &argparse.Options{Help: "Box as x1,y1,x2,y2", Required: true})
	similarLimit := similarCmd.Int("n", "limit", &argparse.Options{Help: "Maximum results", Default: 10})

	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05",
		}),
	)

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("Invalid environment", "err", err)
		os.Exit(1)
	}
	if *detectorName != "" {
		cfg.Detector = *detectorName
	}
	if *modelPath != "" {
		cfg.ModelPath = *modelPath
	}
	if *visionModel != "" {
		cfg.OllamaModel = *visionModel
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *frameRate > 0 {
		cfg.FrameRate = *frameRate
	}
	if *iou > 0 {
		cfg.IoUThreshold = *iou
	}
	if *annotateAll {
		cfg.AnnotateAll = true
	}
	if *acceptedBaseline {
		cfg.AcceptedBaseline = true
	}
	if *allowLocalPaths {
		cfg.AllowLocalPaths = true
	}
	if *outputDir != "" {
		cfg.OutputDir = *outputDir
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if initdbCmd.Happened() {
		if err := storage.InitSchema(ctx, cfg.Postgres); err != nil {
			logger.Error("Failed to initialize schema", "err", err)
			os.Exit(1)
		}
		logger.Info("Schema ready")
		return
	}

	if similarCmd.Happened() {
		box, err := geometry.ParseBox(*similarBox)
		if err != nil {
			logger.Error("Invalid box", "err", err)
			os.Exit(1)
		}
		results, err := storage.FindSimilarBoxes(ctx, cfg.Postgres, *similarVideo, box, *similarLimit)
		if err != nil {
			logger.Error("Box search failed", "err", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(os.Stdout)
		for _, r := range results {
			enc.Encode(r)
		}
		return
	}

	det, err := newDetector(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize detector", "detector", cfg.Detector, "err", err)
		os.Exit(1)
	}
	defer det.Close()

	processor := pipeline.NewProcessor(
		extractor.NewFFmpeg(cfg.FFmpeg, logger),
		det,
		progress.NewRegistry(),
		pipeline.Options{
			FramesDir:    cfg.FramesDir,
			OutputDir:    cfg.OutputDir,
			FrameRate:    cfg.FrameRate,
			IoUThreshold: cfg.IoUThreshold,
			Workers:      cfg.Workers,
			AnnotateAll:  cfg.AnnotateAll,
			Baseline:     baseline(cfg),
		},
		logger,
	)
	processor.SetStorage(storageFactory(cfg))

	switch {
	case processCmd.Happened():
		job, err := processor.Run(ctx, *input)
		if err != nil {
			os.Exit(exitCode(err))
		}
		res, err := job.Result()
		if err != nil {
			logger.Error("No result", "err", err)
			os.Exit(1)
		}
		for _, label := range dedup.Labels(res.Counts) {
			fmt.Printf("%-16s %d\n", label, res.Counts[label])
		}
		fmt.Printf("Output: %s\n", res.OutputPath)

	case serveCmd.Happened():
		srv := server.New(processor, cfg.UploadDir, logger)
		srv.SetAllowLocalPaths(cfg.AllowLocalPaths)
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		if err := srv.ListenAndServe(cfg.Listen); err != nil {
			logger.Error("Server failed", "err", err)
			os.Exit(1)
		}
		srv.Wait()
	}
}

func newDetector(ctx context.Context, cfg config.Config, logger *slog.Logger) (detector.Detector, error) {
	switch cfg.Detector {
	case "ollama":
		return detector.NewAgent(ctx, detector.AgentConfig{
			BaseURL: cfg.OllamaURL,
			Port:    cfg.OllamaPort,
			Model:   cfg.OllamaModel,
		}, logger)
	default:
		return detector.NewYOLO(detector.YOLOConfig{
			ModelPath:     cfg.ModelPath,
			SharedLibPath: cfg.OnnxLib,
			ConfThreshold: float32(cfg.ConfThreshold),
		}, logger)
	}
}

// storageFactory always writes a JSON log per job, and also Postgres when configured
func storageFactory(cfg config.Config) pipeline.StorageFactory {
	return func(ctx context.Context, job *progress.Job) (storage.Storage, error) {
		stores := storage.Multi{storage.NewJSONStorage(cfg.ResultsDir, job.ID, cfg.BatchSize)}
		if cfg.Postgres.Enabled() {
			pg, err := storage.NewPostgresStorage(ctx, cfg.Postgres, job.VideoPath, job.ID)
			if err != nil {
				return nil, err
			}
			stores = append(stores, pg)
		}
		return stores, nil
	}
}

func baseline(cfg config.Config) dedup.Baseline {
	if cfg.AcceptedBaseline {
		return dedup.BaselineAccepted
	}
	return dedup.BaselineObserved
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrEmptyInput):
		return 2
	case errors.Is(err, pipeline.ErrAdapter):
		return 3
	default:
		return 1
	}
}
