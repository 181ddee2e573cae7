package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/visiondetect/internal/annotate"
	"github.com/bdougie/visiondetect/internal/detector"
	"github.com/bdougie/visiondetect/internal/extractor"
	"github.com/bdougie/visiondetect/internal/geometry"
	"github.com/bdougie/visiondetect/internal/models"
	"github.com/bdougie/visiondetect/internal/pipeline"
	"github.com/bdougie/visiondetect/internal/progress"
)

type twoFrameMedia struct{}

func (twoFrameMedia) Extract(ctx context.Context, videoPath, frameDir string) ([]models.Frame, error) {
	if err := os.MkdirAll(frameDir, 0755); err != nil {
		return nil, err
	}
	for i := 1; i <= 2; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 64, 64))
		if err := annotate.SaveFrame(filepath.Join(frameDir, extractor.FrameName(i)), img); err != nil {
			return nil, err
		}
	}
	return extractor.ListFrames(frameDir)
}

func (twoFrameMedia) Encode(ctx context.Context, frames []models.Frame, outputPath string, fps int) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(outputPath, []byte("video"), 0644)
}

type catDetector struct{}

func (catDetector) Detect(ctx context.Context, in detector.Input) ([]models.Detection, error) {
	return []models.Detection{{Label: "cat", Confidence: 0.9, Box: geometry.NewBox(5, 5, 30, 30)}}, nil
}

func (catDetector) Close() error { return nil }

func newTestServer(t *testing.T) *Server {
	dir := t.TempDir()
	p := pipeline.NewProcessor(twoFrameMedia{}, catDetector{}, progress.NewRegistry(), pipeline.Options{
		FramesDir: filepath.Join(dir, "frames"),
		OutputDir: filepath.Join(dir, "static"),
	}, nil)
	return New(p, filepath.Join(dir, "uploads"), nil)
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestLegacyProgressWithoutJobs(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/ffmpeg_progress", "/yolo_progress"} {
		rec := do(t, s.Handler(), httptest.NewRequest("GET", path, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.JSONEq(t, `{"progress": 0}`, rec.Body.String())
	}
}

func TestSubmitByPath(t *testing.T) {
	s := newTestServer(t)
	video := filepath.Join(s.uploadDir, "cat.mp4")
	require.NoError(t, os.MkdirAll(s.uploadDir, 0755))
	require.NoError(t, os.WriteFile(video, []byte("x"), 0644))

	rec := do(t, s.Handler(), httptest.NewRequest("POST", "/api/jobs", strings.NewReader(`{"video": "`+video+`"}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	sub := decode[submitResponse](t, rec)
	require.NotEmpty(t, sub.ID)

	s.Wait()

	rec = do(t, s.Handler(), httptest.NewRequest("GET", sub.Progress, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[progress.Snapshot](t, rec)
	require.Equal(t, progress.StateDone, snap.State)
	require.Equal(t, 100, snap.Extraction)
	require.Equal(t, 100, snap.Detection)

	rec = do(t, s.Handler(), httptest.NewRequest("GET", sub.Result, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[progress.Result](t, rec)
	require.Len(t, res.Detections, 1)
	require.Equal(t, map[string]int{"cat": 1}, res.Counts)

	rec = do(t, s.Handler(), httptest.NewRequest("GET", "/api/jobs/"+sub.ID+"/video", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "video", rec.Body.String())

	rec = do(t, s.Handler(), httptest.NewRequest("GET", "/yolo_progress", nil))
	require.JSONEq(t, `{"progress": 100}`, rec.Body.String())

	rec = do(t, s.Handler(), httptest.NewRequest("GET", "/api/jobs", nil))
	require.Len(t, decode[[]progress.Snapshot](t, rec), 1)
}

func TestSubmitPathOutsideUploadDir(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, os.MkdirAll(s.uploadDir, 0755))
	outside := filepath.Join(t.TempDir(), "secret.mp4")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0644))
	require.NoError(t, os.Symlink(outside, filepath.Join(s.uploadDir, "link.mp4")))

	for _, video := range []string{
		outside,
		filepath.Join(s.uploadDir, "..", filepath.Base(filepath.Dir(outside)), "secret.mp4"),
		filepath.Join(s.uploadDir, "link.mp4"),
	} {
		body := `{"video": "` + video + `"}`
		rec := do(t, s.Handler(), httptest.NewRequest("POST", "/api/jobs", strings.NewReader(body)))
		require.Equal(t, http.StatusForbidden, rec.Code, video)
	}
	require.Empty(t, s.jobs.List())

	s.SetAllowLocalPaths(true)
	body := `{"video": "` + outside + `"}`
	rec := do(t, s.Handler(), httptest.NewRequest("POST", "/api/jobs", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	s.Wait()
}

func TestDeleteJob(t *testing.T) {
	s := newTestServer(t)
	pending := s.processor.Submit("pending.mp4")
	rec := do(t, s.Handler(), httptest.NewRequest("DELETE", "/api/jobs/"+pending.ID, nil))
	require.Equal(t, http.StatusConflict, rec.Code)

	pending.Fail(pipeline.ErrEmptyInput)
	rec = do(t, s.Handler(), httptest.NewRequest("DELETE", "/api/jobs/"+pending.ID, nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s.Handler(), httptest.NewRequest("GET", "/api/jobs/"+pending.ID+"/progress", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, s.Handler(), httptest.NewRequest("DELETE", "/api/jobs/"+pending.ID, nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitUpload(t *testing.T) {
	s := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "../../clip.mp4")
	require.NoError(t, err)
	fw.Write([]byte("video bytes"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/api/jobs", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := do(t, s.Handler(), req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	sub := decode[submitResponse](t, rec)
	s.Wait()

	job, ok := s.jobs.Get(sub.ID)
	require.True(t, ok)
	require.Equal(t, "clip.mp4", filepath.Base(job.VideoPath))
	require.True(t, strings.HasPrefix(job.VideoPath, s.uploadDir))
	data, err := os.ReadFile(job.VideoPath)
	require.NoError(t, err)
	require.Equal(t, "video bytes", string(data))
}

func TestSubmitBadRequests(t *testing.T) {
	s := newTestServer(t)
	for _, body := range []string{`{`, `{}`, `{"video": "/does/not/exist.mp4"}`} {
		rec := do(t, s.Handler(), httptest.NewRequest("POST", "/api/jobs", strings.NewReader(body)))
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
		require.NotEmpty(t, decode[errorResponse](t, rec).Error)
	}
}

func TestUnknownJob(t *testing.T) {
	s := newTestServer(t)
	for _, suffix := range []string{"progress", "result", "video"} {
		rec := do(t, s.Handler(), httptest.NewRequest("GET", "/api/jobs/nope/"+suffix, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}
}

func TestResultBeforeDone(t *testing.T) {
	s := newTestServer(t)
	job := s.processor.Submit("pending.mp4")

	rec := do(t, s.Handler(), httptest.NewRequest("GET", "/api/jobs/"+job.ID+"/result", nil))
	require.Equal(t, http.StatusConflict, rec.Code)

	job.Fail(pipeline.ErrEmptyInput)
	rec = do(t, s.Handler(), httptest.NewRequest("GET", "/api/jobs/"+job.ID+"/result", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, decode[errorResponse](t, rec).Error, "no frames extracted")
}

func TestProgressStream(t *testing.T) {
	progressInterval = 5 * time.Millisecond
	s := newTestServer(t)
	job := s.processor.Submit("stream.mp4")

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/jobs/" + job.ID + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer c.Close()

	var snap progress.Snapshot
	require.NoError(t, c.ReadJSON(&snap))
	require.Equal(t, progress.StateIdle, snap.State)

	job.SetExtraction(100)
	job.FrameDone(0, 1)
	require.NoError(t, job.SetState(progress.StateDone))

	deadline := time.Now().Add(5 * time.Second)
	for snap.State != progress.StateDone {
		require.True(t, time.Now().Before(deadline))
		require.NoError(t, c.ReadJSON(&snap))
	}
	require.Equal(t, 100, snap.Detection)
}
