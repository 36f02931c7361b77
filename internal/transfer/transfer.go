package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/cityevents/services/media-uploader/internal/config"
	"github.com/baechuer/cityevents/services/media-uploader/internal/domain"
	"github.com/baechuer/cityevents/services/media-uploader/internal/intake"
	"github.com/baechuer/cityevents/services/media-uploader/internal/logger"
	"github.com/baechuer/cityevents/services/media-uploader/internal/originclient"
	"github.com/baechuer/cityevents/services/media-uploader/internal/poll"
)

// Origin is the subset of the origin client a transfer needs.
type Origin interface {
	Presign(ctx context.Context, contentType string, size int64, filename string) (*originclient.PresignResponse, error)
	Put(ctx context.Context, presignedURL string, body io.Reader, contentType string, size int64) error
	Complete(ctx context.Context, in originclient.CompleteRequest) (*originclient.CompleteResponse, error)
}

// Options bound the three network calls.
type Options struct {
	PutTimeout      time.Duration
	CompleteTimeout time.Duration
	SlowAfter       time.Duration
	CompleteNotices []time.Duration
}

// OptionsFromConfig extracts transfer options from client configuration.
func OptionsFromConfig(cfg *config.Client) Options {
	return Options{
		PutTimeout:      cfg.PutTimeout,
		CompleteTimeout: cfg.CompleteTimeout,
		SlowAfter:       cfg.SlowAfter,
		CompleteNotices: cfg.CompleteNotices,
	}
}

// Hooks receive advisory signals. Any may be nil.
type Hooks struct {
	OnProgress func(sent, total int64)
	OnSlow     func(elapsed time.Duration)
	OnNotice   func(elapsed time.Duration)
}

// Result is a confirmed stored object.
type Result struct {
	Object   domain.RemoteObject
	Complete *originclient.CompleteResponse
}

// RejectedError reports content the origin refused while confirming the
// write. Object names what was stored so it can be cleaned up.
type RejectedError struct {
	Object  domain.RemoteObject
	Message string
}

func (e *RejectedError) Error() string {
	return "content rejected at completion: " + e.Message
}

func (e *RejectedError) Unwrap() error {
	return domain.ErrModerationRejected
}

// Client performs presign -> direct write -> complete.
type Client struct {
	origin Origin
	opts   Options
	log    zerolog.Logger
}

// New creates a transfer client.
func New(origin Origin, opts Options, log zerolog.Logger) *Client {
	return &Client{origin: origin, opts: opts, log: log}
}

// Transfer moves f to object storage and confirms it with the origin.
//
// A 429 at presign returns an error wrapping domain.ErrRateLimited. Context
// cancellation returns the context error unchanged. Everything else is a
// *domain.TransferError, or *RejectedError when the origin refuses the
// content during completion.
func (c *Client) Transfer(ctx context.Context, f intake.File, kind domain.Kind, hooks Hooks) (*Result, error) {
	log := logger.From(ctx, c.log).With().Str("filename", f.Name).Str("kind", string(kind)).Logger()
	start := time.Now()

	if c.opts.SlowAfter > 0 && hooks.OnSlow != nil {
		stop := poll.After(ctx, c.opts.SlowAfter, func() {
			log.Warn().Dur("elapsed", c.opts.SlowAfter).Msg("transfer is taking longer than expected")
			hooks.OnSlow(c.opts.SlowAfter)
		})
		defer stop()
	}

	// Step 1: presign
	presign, err := c.origin.Presign(ctx, f.ContentType, f.Size, f.Name)
	if err != nil {
		if errors.Is(err, domain.ErrRateLimited) {
			log.Warn().Msg("presign rate limited")
			return nil, fmt.Errorf("presign: %w", domain.ErrRateLimited)
		}
		return nil, c.stepError(ctx, domain.StepPresign, err)
	}

	// Step 2: direct write
	if err := c.put(ctx, presign.PresignedURL, f, hooks.OnProgress); err != nil {
		return nil, c.stepError(ctx, domain.StepPut, err)
	}

	// Step 3: confirm
	complete, err := c.complete(ctx, presign.FileKey, f, kind, hooks.OnNotice)
	if err != nil {
		var cerr *originclient.CompleteError
		if errors.As(err, &cerr) && cerr.Response.ModerationStatus == string(domain.ModerationRejected) {
			log.Warn().Str("file_key", presign.FileKey).Msg("content rejected at completion")
			return nil, &RejectedError{
				Object:  domain.RemoteObject{Key: presign.FileKey, IsVideo: kind == domain.KindVideo},
				Message: cerr.Response.Error,
			}
		}
		return nil, c.stepError(ctx, domain.StepComplete, err)
	}

	obj := domain.RemoteObject{
		Key:     complete.FileKey,
		URLs:    complete.URLs,
		IsVideo: complete.IsVideo || kind == domain.KindVideo,
	}
	log.Info().Str("file_key", obj.Key).Dur("duration", time.Since(start)).Msg("transfer complete")
	return &Result{Object: obj, Complete: complete}, nil
}

func (c *Client) put(ctx context.Context, url string, f intake.File, onProgress func(sent, total int64)) error {
	body, err := f.Reader()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer body.Close()

	if c.opts.PutTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.PutTimeout)
		defer cancel()
	}

	pr := &progressReader{r: body, total: f.Size, onProgress: onProgress}
	return c.origin.Put(ctx, url, pr, f.ContentType, f.Size)
}

func (c *Client) complete(ctx context.Context, key string, f intake.File, kind domain.Kind, onNotice func(time.Duration)) (*originclient.CompleteResponse, error) {
	if c.opts.CompleteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CompleteTimeout)
		defer cancel()
	}

	if onNotice != nil {
		for _, after := range c.opts.CompleteNotices {
			after := after
			stop := poll.After(ctx, after, func() { onNotice(after) })
			defer stop()
		}
	}

	return c.origin.Complete(ctx, originclient.CompleteRequest{
		FileKey:      key,
		Filename:     f.Name,
		ContentType:  f.ContentType,
		ResourceType: string(kind),
		Quick:        kind == domain.KindImage,
	})
}

func (c *Client) stepError(ctx context.Context, step domain.TransferStep, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, context.Canceled) {
		return ctxErr
	}
	log := logger.From(ctx, c.log)
	log.Error().Err(err).Str("step", string(step)).Msg("transfer failed")
	return &domain.TransferError{Step: step, StatusCode: originclient.StatusCode(err), Err: err}
}

type progressReader struct {
	r          io.Reader
	total      int64
	sent       atomic.Int64
	onProgress func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.onProgress != nil {
		p.onProgress(p.sent.Add(int64(n)), p.total)
	}
	return n, err
}
