package repository

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/baechuer/cityevents/services/media-uploader/internal/domain"
)

// containerURL is set when TestMain started a throwaway PostgreSQL.
var containerURL string

func TestMain(m *testing.M) {
	flag.Parse()
	os.Exit(run(m))
}

func run(m *testing.M) int {
	if os.Getenv("DATABASE_URL") != "" || testing.Short() {
		return m.Run()
	}

	ctx := context.Background()
	container, err := startPostgres(ctx)
	if err != nil {
		// Docker unavailable: the integration tests skip
		return m.Run()
	}
	defer func() { _ = container.Terminate(ctx) }()

	containerURL, _ = container.ConnectionString(ctx, "sslmode=disable")
	return m.Run()
}

func startPostgres(ctx context.Context) (c *postgres.PostgresContainer, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("docker provider: %v", r)
		}
	}()
	return postgres.Run(ctx, "postgres:17",
		postgres.WithDatabase("media_test"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
}

func newTestRepo(t *testing.T) *UploadRepository {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = containerURL
	}
	if dbURL == "" {
		t.Skip("Skipping integration test: no DATABASE_URL and no container")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	if err := pool.Ping(ctx); err != nil {
		t.Skipf("Skipping integration test: database not reachable: %v", err)
	}

	repo := NewUploadRepository(pool)
	require.NoError(t, repo.EnsureSchema(ctx))
	return repo
}

func newUpload(status domain.UploadStatus, age time.Duration) *domain.Upload {
	id := uuid.New()
	at := time.Now().Add(-age)
	return &domain.Upload{
		ID:          id,
		OwnerID:     uuid.New(),
		Kind:        domain.KindImage,
		Status:      status,
		ObjectKey:   "raw/" + id.String() + ".jpg",
		Filename:    "cat.jpg",
		ContentType: "image/jpeg",
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

func TestUploadRepository_Lifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	u := newUpload(domain.StatusPending, 0)
	require.NoError(t, repo.Create(ctx, u))
	t.Cleanup(func() { _ = repo.Delete(ctx, u.ID) })

	got, err := repo.GetByKey(ctx, u.ObjectKey)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, domain.KindImage, got.Kind)
	assert.Nil(t, got.VariantKeys)
	assert.Equal(t, domain.ModerationPending, got.ModerationStatus)

	require.NoError(t, repo.MarkUploaded(ctx, u.ID, 2048, "job-1"))
	require.NoError(t, repo.SetVariants(ctx, u.ID, map[string]string{"thumb": "variants/x_thumb.jpg"}))

	got, err = repo.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUploaded, got.Status)
	assert.Equal(t, int64(2048), got.Size)
	assert.Equal(t, "job-1", got.AIJobID)
	assert.Equal(t, "variants/x_thumb.jpg", got.VariantKeys["thumb"])

	ok, err := repo.MarkSubmitted(ctx, u.ID, "My post")
	require.NoError(t, err)
	assert.True(t, ok)

	// a second submit is refused
	ok, err = repo.MarkSubmitted(ctx, u.ID, "My post")
	require.NoError(t, err)
	assert.False(t, ok)

	missing, err := repo.GetByKey(ctx, "raw/does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUploadRepository_RejectedIsNeverSubmitted(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	u := newUpload(domain.StatusUploaded, 0)
	require.NoError(t, repo.Create(ctx, u))
	t.Cleanup(func() { _ = repo.Delete(ctx, u.ID) })

	require.NoError(t, repo.SetModeration(ctx, u.ID, domain.ModerationRejected))
	got, err := repo.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModerationRejected, got.ModerationStatus)

	ok, err := repo.MarkSubmitted(ctx, u.ID, "My post")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.SetModeration(ctx, u.ID, domain.ModerationFlagged))
	ok, err = repo.MarkSubmitted(ctx, u.ID, "My post")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUploadRepository_Stale(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	stalePending := newUpload(domain.StatusPending, 25*time.Hour)
	staleUploaded := newUpload(domain.StatusUploaded, 25*time.Hour)
	freshPending := newUpload(domain.StatusPending, time.Hour)
	oldTombstone := newUpload(domain.StatusDeleted, 169*time.Hour)
	freshTombstone := newUpload(domain.StatusDeleted, 2*time.Hour)
	oldSubmitted := newUpload(domain.StatusSubmitted, 300*time.Hour)

	all := []*domain.Upload{stalePending, staleUploaded, freshPending, oldTombstone, freshTombstone, oldSubmitted}
	for _, u := range all {
		require.NoError(t, repo.Create(ctx, u))
	}
	t.Cleanup(func() {
		for _, u := range all {
			_ = repo.Delete(ctx, u.ID)
		}
	})

	stale, err := repo.ListStale(ctx, 24*time.Hour, 7*24*time.Hour, 1000)
	require.NoError(t, err)

	found := map[uuid.UUID]bool{}
	for _, u := range stale {
		found[u.ID] = true
	}
	assert.True(t, found[stalePending.ID], "stale pending should be listed")
	assert.True(t, found[staleUploaded.ID], "stale uploaded should be listed")
	assert.True(t, found[oldTombstone.ID], "old tombstone should be listed")
	assert.False(t, found[freshPending.ID], "fresh pending should not be listed")
	assert.False(t, found[freshTombstone.ID], "fresh tombstone should not be listed")
	assert.False(t, found[oldSubmitted.ID], "submitted uploads are never stale")
}
