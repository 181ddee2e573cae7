package storage

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/visiondetect/internal/geometry"
	"github.com/bdougie/visiondetect/internal/models"
)

func frameResult(frame int, labels ...string) models.FrameResult {
	r := models.FrameResult{JobID: "job", Frame: frame}
	for i, l := range labels {
		off := float64(i * 20)
		r.Detections = append(r.Detections, models.Detection{
			Label:      l,
			Confidence: 0.5,
			Box:        geometry.NewBox(off, off, off+10, off+10),
		})
	}
	return r
}

func TestJSONStorageBatches(t *testing.T) {
	ctx := context.Background()
	s := NewJSONStorage(t.TempDir(), "job", 2)

	require.NoError(t, s.AddResult(ctx, frameResult(0, "cat")))
	_, err := os.Stat(s.Path())
	require.True(t, os.IsNotExist(err), "nothing written before the batch fills")

	require.NoError(t, s.AddResult(ctx, frameResult(1, "dog")))
	results, err := ReadResults(s.Path())
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.NoError(t, s.AddResult(ctx, frameResult(2, "cat", "bird")))
	require.NoError(t, s.Flush())
	results, err = ReadResults(s.Path())
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, []int{0, 1, 2}, []int{results[0].Frame, results[1].Frame, results[2].Frame})
	require.Equal(t, "bird", results[2].Detections[1].Label)

	// flushing an empty batch is a no-op
	require.NoError(t, s.Flush())
}

func TestPostgresConnString(t *testing.T) {
	c := PostgresConfig{Host: "db", Port: "5432", User: "u", Password: "p", DBName: "vision"}
	require.Equal(t, "postgres://u:p@db:5432/vision", c.ConnString())
	require.True(t, c.Enabled())
	require.Equal(t, "postgres://x", PostgresConfig{URL: "postgres://x"}.ConnString())
	require.False(t, PostgresConfig{}.Enabled())
}

func TestPostgresStorage(t *testing.T) {
	url := os.Getenv("VISION_TEST_POSTGRES")
	if url == "" {
		t.Skip("VISION_TEST_POSTGRES not set")
	}
	ctx := context.Background()
	cfg := PostgresConfig{URL: url}
	require.NoError(t, InitSchema(ctx, cfg))

	video := "test_video_" + uuid.NewString()
	s, err := NewPostgresStorage(ctx, cfg, video, uuid.NewString())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.AddResult(ctx, frameResult(0, "cat", "dog")))
	require.NoError(t, s.AddResult(ctx, frameResult(3)))
	require.NoError(t, s.Flush())

	found, err := s.SearchSimilarBoxes(ctx, geometry.NewBox(21, 21, 31, 31), 1)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "dog", found[0].Detection.Label)
	require.Equal(t, geometry.NewBox(20, 20, 30, 30), found[0].Detection.Box)

	byName, err := FindSimilarBoxes(ctx, cfg, video, geometry.NewBox(1, 1, 11, 11), 1)
	require.NoError(t, err)
	require.Len(t, byName, 1)
	require.Equal(t, "cat", byName[0].Detection.Label)

	_, err = FindSimilarBoxes(ctx, cfg, "missing_"+uuid.NewString(), geometry.NewBox(1, 1, 11, 11), 1)
	require.Error(t, err)
}

type closingStorage struct {
	*JSONStorage
	closed bool
}

func (c *closingStorage) Close() { c.closed = true }

func TestMulti(t *testing.T) {
	ctx := context.Background()
	a := NewJSONStorage(t.TempDir(), "a", 100)
	b := &closingStorage{JSONStorage: NewJSONStorage(t.TempDir(), "b", 100)}
	m := Multi{a, b}

	require.NoError(t, m.AddResult(ctx, frameResult(4, "cat")))
	require.NoError(t, m.Flush())
	m.Close()
	require.True(t, b.closed)

	for _, path := range []string{a.Path(), b.Path()} {
		results, err := ReadResults(path)
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.Equal(t, 4, results[0].Frame)
	}
}
