// Package server exposes job submission, progress and results over HTTP
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/bdougie/visiondetect/internal/pipeline"
	"github.com/bdougie/visiondetect/internal/progress"
)

const maxUploadSize = 2 << 30

// How often the websocket stream samples job progress
var progressInterval = 250 * time.Millisecond

type Server struct {
	processor  *pipeline.Processor
	jobs       *progress.Registry
	uploadDir  string
	logger     *slog.Logger
	router     *httprouter.Router
	wsUpgrader websocket.Upgrader
	running    sync.WaitGroup
	httpServer *http.Server

	allowLocalPaths bool
}

func New(processor *pipeline.Processor, uploadDir string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		processor: processor,
		jobs:      processor.Jobs(),
		uploadDir: uploadDir,
		logger:    logger,
		router:    httprouter.New(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	// Submissions start expensive jobs, so they are rate limited per client
	limited := httprate.Limit(10, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))
	s.router.Handler("POST", "/api/jobs", limited(http.HandlerFunc(s.httpSubmit)))

	s.router.GET("/api/jobs", s.httpListJobs)
	s.router.DELETE("/api/jobs/:id", s.httpDeleteJob)
	s.router.GET("/api/jobs/:id/progress", s.httpProgress)
	s.router.GET("/api/jobs/:id/result", s.httpResult)
	s.router.GET("/api/jobs/:id/video", s.httpVideo)
	s.router.GET("/api/jobs/:id/ws", s.httpProgressStream)

	s.router.GET("/ffmpeg_progress", s.httpLegacyExtraction)
	s.router.GET("/yolo_progress", s.httpLegacyDetection)
}

// SetAllowLocalPaths lets JSON submissions name any readable file on the server.
// Otherwise only files under the upload directory are accepted.
func (s *Server) SetAllowLocalPaths(allow bool) {
	s.allowLocalPaths = allow
}

// Handler returns the HTTP handler for all routes
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until Shutdown is called
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	s.logger.Info("Server starting", "addr", addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for running jobs to finish
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.Wait()
	return err
}

// Wait blocks until every job started by this server has finished
func (s *Server) Wait() {
	s.running.Wait()
}

func (s *Server) start(videoPath string) *progress.Job {
	job := s.processor.Submit(videoPath)
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		// Jobs outlive the request that submitted them
		if err := s.processor.ProcessVideo(context.Background(), job); err == nil {
			s.logger.Info("Job finished", "job", job.ID)
		}
	}()
	return job
}

type submitRequest struct {
	Video string `json:"video"`
}

type submitResponse struct {
	ID       string `json:"id"`
	Progress string `json:"progress"`
	Result   string `json:"result"`
}

func (s *Server) httpSubmit(w http.ResponseWriter, r *http.Request) {
	var videoPath string
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		path, err := s.saveUpload(w, r)
		if err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		videoPath = path
	default:
		var req submitRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
		if req.Video == "" {
			httpError(w, http.StatusBadRequest, errors.New("no video given"))
			return
		}
		if st, err := os.Stat(req.Video); err != nil || st.IsDir() {
			httpError(w, http.StatusBadRequest, fmt.Errorf("video '%s' not found", req.Video))
			return
		}
		if !s.allowLocalPaths && !s.inUploadDir(req.Video) {
			httpError(w, http.StatusForbidden, fmt.Errorf("video '%s' is outside the upload directory", req.Video))
			return
		}
		videoPath = req.Video
	}

	job := s.start(videoPath)
	s.logger.Info("Job submitted", "job", job.ID, "video", videoPath)
	writeJSON(w, http.StatusAccepted, submitResponse{
		ID:       job.ID,
		Progress: "/api/jobs/" + job.ID + "/progress",
		Result:   "/api/jobs/" + job.ID + "/result",
	})
}

// saveUpload stores the "file" form field under a fresh directory in uploadDir
func (s *Server) saveUpload(w http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", fmt.Errorf("no file uploaded: %w", err)
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "", errors.New("uploaded file has no name")
	}
	dir := filepath.Join(s.uploadDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		return "", fmt.Errorf("failed to save upload: %w", err)
	}
	return path, out.Close()
}

// inUploadDir reports whether path resolves, after following symlinks, to a file below uploadDir
func (s *Server) inUploadDir(path string) bool {
	dir, err := filepath.EvalSymlinks(s.uploadDir)
	if err != nil {
		return false
	}
	if dir, err = filepath.Abs(dir); err != nil {
		return false
	}
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	if target, err = filepath.Abs(target); err != nil {
		return false
	}
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (s *Server) job(w http.ResponseWriter, params httprouter.Params) *progress.Job {
	id := params.ByName("id")
	job, ok := s.jobs.Get(id)
	if !ok {
		httpError(w, http.StatusNotFound, fmt.Errorf("job %s not found", id))
		return nil
	}
	return job
}

func (s *Server) httpListJobs(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	jobs := s.jobs.List()
	snaps := make([]progress.Snapshot, 0, len(jobs))
	for _, j := range jobs {
		snaps = append(snaps, j.Progress())
	}
	writeJSON(w, http.StatusOK, snaps)
}

// httpDeleteJob forgets a finished job. Its output files stay on disk.
func (s *Server) httpDeleteJob(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	job := s.job(w, params)
	if job == nil {
		return
	}
	if !s.jobs.Remove(job.ID) {
		httpError(w, http.StatusConflict, fmt.Errorf("job %s has not finished", job.ID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) httpProgress(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if job := s.job(w, params); job != nil {
		writeJSON(w, http.StatusOK, job.Progress())
	}
}

func (s *Server) httpResult(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	job := s.job(w, params)
	if job == nil {
		return
	}
	res, err := job.Result()
	switch {
	case errors.Is(err, progress.ErrNotDone):
		httpError(w, http.StatusConflict, err)
	case err != nil:
		httpError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) httpVideo(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	job := s.job(w, params)
	if job == nil {
		return
	}
	if job.State() != progress.StateDone {
		httpError(w, http.StatusConflict, progress.ErrNotDone)
		return
	}
	http.ServeFile(w, r, job.OutputPath)
}

// httpProgressStream pushes progress snapshots until the job reaches a terminal state
func (s *Server) httpProgressStream(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	job := s.job(w, params)
	if job == nil {
		return
	}
	c, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Websocket upgrade failed", "err", err)
		return
	}
	defer c.Close()

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	var last progress.Snapshot
	first := true
	for {
		snap := job.Progress()
		if first || snap != last {
			if err := c.WriteJSON(snap); err != nil {
				return
			}
			first = false
			last = snap
		}
		if snap.State.Terminal() {
			c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(snap.State)))
			return
		}
		select {
		case <-ticker.C:
		case <-r.Context().Done():
			return
		}
	}
}

type legacyProgress struct {
	Progress int `json:"progress"`
}

func (s *Server) httpLegacyExtraction(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	writeJSON(w, http.StatusOK, legacyProgress{Progress: s.jobs.LatestProgress().Extraction})
}

func (s *Server) httpLegacyDetection(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	writeJSON(w, http.StatusOK, legacyProgress{Progress: s.jobs.LatestProgress().Detection})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func httpError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
