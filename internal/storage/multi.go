package storage

import (
	"context"
	"errors"

	"github.com/bdougie/visiondetect/internal/models"
)

// Multi fans results out to several storages
type Multi []Storage

func (m Multi) AddResult(ctx context.Context, result models.FrameResult) error {
	for _, s := range m {
		if err := s.AddResult(ctx, result); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) Flush() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Flush())
	}
	return errors.Join(errs...)
}

// Close closes every storage that has a Close method
func (m Multi) Close() {
	for _, s := range m {
		if c, ok := s.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
