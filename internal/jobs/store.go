package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("job not found")

// Job is the progress record of one content-generation job.
type Job struct {
	ID        string
	OwnerID   string
	ObjectKey string
	Progress  int
	Complete  bool
	Error     string
}

// ModerationTask is an asynchronous moderation check. Until ReadyAt the task
// reports "checking".
type ModerationTask struct {
	ID       string
	OwnerID  string
	Status   string
	Severity string
	Message  string
	AIJobID  string
	ReadyAt  time.Time
}

// Resolve returns the status visible at now.
func (t *ModerationTask) Resolve(now time.Time) string {
	if now.Before(t.ReadyAt) {
		return "checking"
	}
	return t.Status
}

// Store keeps jobs and moderation tasks in Redis hashes with a TTL.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore creates a store whose keys expire after ttl.
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

func jobKey(id string) string  { return "aijob:" + id }
func taskKey(id string) string { return "modtask:" + id }

// Create registers a job at progress 0.
func (s *Store) Create(ctx context.Context, j Job) error {
	key := jobKey(j.ID)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"owner", j.OwnerID,
			"object_key", j.ObjectKey,
			"progress", 0,
			"complete", 0,
			"error", "",
		)
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// Get returns the job or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	vals, err := s.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	progress, _ := strconv.Atoi(vals["progress"])
	return &Job{
		ID:        id,
		OwnerID:   vals["owner"],
		ObjectKey: vals["object_key"],
		Progress:  progress,
		Complete:  vals["complete"] == "1",
		Error:     vals["error"],
	}, nil
}

var progressScript = redis.NewScript(`
local cur = tonumber(redis.call("HGET", KEYS[1], "progress"))
if cur == nil then
  return -1
end
local p = tonumber(ARGV[1])
if p > cur then
  redis.call("HSET", KEYS[1], "progress", p)
  return p
end
return cur
`)

// SetProgress raises the job's progress. Lower values are ignored.
func (s *Store) SetProgress(ctx context.Context, id string, progress int) (int, error) {
	if progress > 100 {
		progress = 100
	}
	n, err := progressScript.Run(ctx, s.rdb, []string{jobKey(id)}, progress).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to set progress: %w", err)
	}
	if n < 0 {
		return 0, ErrNotFound
	}
	return n, nil
}

// Complete marks the job finished at 100.
func (s *Store) Complete(ctx context.Context, id string) error {
	return s.finish(ctx, id, "progress", 100, "complete", 1)
}

// Fail records a job error.
func (s *Store) Fail(ctx context.Context, id, msg string) error {
	return s.finish(ctx, id, "error", msg)
}

func (s *Store) finish(ctx context.Context, id string, values ...any) error {
	key := jobKey(id)
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if err := s.rdb.HSet(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	return nil
}

// CreateModerationTask stores an asynchronous moderation check.
func (s *Store) CreateModerationTask(ctx context.Context, t ModerationTask) error {
	key := taskKey(t.ID)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"owner", t.OwnerID,
			"status", t.Status,
			"severity", t.Severity,
			"message", t.Message,
			"ai_job_id", t.AIJobID,
			"ready_at", t.ReadyAt.UnixMilli(),
		)
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create moderation task: %w", err)
	}
	return nil
}

// GetModerationTask returns the task or ErrNotFound.
func (s *Store) GetModerationTask(ctx context.Context, id string) (*ModerationTask, error) {
	vals, err := s.rdb.HGetAll(ctx, taskKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get moderation task: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	readyMs, _ := strconv.ParseInt(vals["ready_at"], 10, 64)
	return &ModerationTask{
		ID:       id,
		OwnerID:  vals["owner"],
		Status:   vals["status"],
		Severity: vals["severity"],
		Message:  vals["message"],
		AIJobID:  vals["ai_job_id"],
		ReadyAt:  time.UnixMilli(readyMs),
	}, nil
}
