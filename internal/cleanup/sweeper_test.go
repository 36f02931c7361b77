package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/baechuer/cityevents/services/media-uploader/internal/config"
	"github.com/baechuer/cityevents/services/media-uploader/internal/domain"
)

type MockStaleRepo struct {
	mock.Mock
}

func (m *MockStaleRepo) ListStale(ctx context.Context, openAge, tombstoneAge time.Duration, limit int) ([]*domain.Upload, error) {
	args := m.Called(ctx, openAge, tombstoneAge, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Upload), args.Error(1)
}

func (m *MockStaleRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

type MockRawDeleter struct {
	mock.Mock
}

func (m *MockRawDeleter) DeleteRawObject(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func sweeperConfig() *config.Origin {
	return &config.Origin{
		SweepInterval:   time.Hour,
		PendingMaxAge:   24 * time.Hour,
		TombstoneMaxAge: 7 * 24 * time.Hour,
	}
}

func staleUpload(status domain.UploadStatus) *domain.Upload {
	id := uuid.New()
	return &domain.Upload{ID: id, Kind: domain.KindImage, Status: status, ObjectKey: "raw/" + id.String() + ".jpg"}
}

func TestSweep(t *testing.T) {
	repo := new(MockStaleRepo)
	s3 := new(MockRawDeleter)

	pending := staleUpload(domain.StatusPending)
	uploaded := staleUpload(domain.StatusUploaded)
	tombstone := staleUpload(domain.StatusDeleted)
	stuck := staleUpload(domain.StatusFailed)

	repo.On("ListStale", mock.Anything, 24*time.Hour, 7*24*time.Hour, sweepBatch).
		Return([]*domain.Upload{pending, uploaded, tombstone, stuck}, nil)

	s3.On("DeleteRawObject", mock.Anything, pending.ObjectKey).Return(nil)
	s3.On("DeleteRawObject", mock.Anything, uploaded.ObjectKey).Return(nil)
	s3.On("DeleteRawObject", mock.Anything, stuck.ObjectKey).Return(errors.New("s3 unavailable"))

	repo.On("Delete", mock.Anything, pending.ID).Return(nil)
	repo.On("Delete", mock.Anything, uploaded.ID).Return(nil)
	repo.On("Delete", mock.Anything, tombstone.ID).Return(nil)

	s := NewSweeper(repo, s3, sweeperConfig(), zerolog.Nop())
	assert.Equal(t, 3, s.Sweep(context.Background()))

	s3.AssertNotCalled(t, "DeleteRawObject", mock.Anything, tombstone.ObjectKey)
	repo.AssertNotCalled(t, "Delete", mock.Anything, stuck.ID)
	repo.AssertExpectations(t)
	s3.AssertExpectations(t)
}

func TestSweep_ListError(t *testing.T) {
	repo := new(MockStaleRepo)
	s3 := new(MockRawDeleter)
	repo.On("ListStale", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("db down"))

	s := NewSweeper(repo, s3, sweeperConfig(), zerolog.Nop())
	assert.Equal(t, 0, s.Sweep(context.Background()))
	s3.AssertNotCalled(t, "DeleteRawObject", mock.Anything, mock.Anything)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	repo := new(MockStaleRepo)
	swept := make(chan struct{}, 1)
	repo.On("ListStale", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			select {
			case swept <- struct{}{}:
			default:
			}
		}).
		Return([]*domain.Upload{}, nil)

	cfg := sweeperConfig()
	cfg.SweepInterval = 5 * time.Millisecond
	s := NewSweeper(repo, new(MockRawDeleter), cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-swept:
	case <-time.After(time.Second):
		t.Fatal("sweeper never ticked")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
