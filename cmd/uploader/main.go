package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/baechuer/cityevents/services/media-uploader/internal/config"
	"github.com/baechuer/cityevents/services/media-uploader/internal/domain"
	"github.com/baechuer/cityevents/services/media-uploader/internal/events"
	"github.com/baechuer/cityevents/services/media-uploader/internal/guard"
	"github.com/baechuer/cityevents/services/media-uploader/internal/intake"
	"github.com/baechuer/cityevents/services/media-uploader/internal/logger"
	"github.com/baechuer/cityevents/services/media-uploader/internal/middleware"
	"github.com/baechuer/cityevents/services/media-uploader/internal/orchestrator"
	"github.com/baechuer/cityevents/services/media-uploader/internal/originclient"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "uploader",
		Short:         "Upload media to the origin and publish it as a post",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			config.LoadDotEnv()
			logger.Init()
		},
	}
	root.AddCommand(newUploadCmd(), newTokenCmd())
	return root
}

type uploadOptions struct {
	origin  string
	token   string
	title   string
	content string
	retries int
}

// console is the terminal the upload command talks to.
type console struct {
	in     io.Reader
	out    io.Writer
	status io.Writer
	sigs   <-chan os.Signal
	log    zerolog.Logger
}

const retryPrompt = "Type r and press Enter to retry, or Ctrl-C to leave."

func newUploadCmd() *cobra.Command {
	var opts uploadOptions
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file, wait for moderation and AI processing, then submit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sigs := make(chan os.Signal, 2)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigs)

			return runUpload(cmd.Context(), args[0], opts, console{
				in:     os.Stdin,
				out:    cmd.OutOrStdout(),
				status: cmd.ErrOrStderr(),
				sigs:   sigs,
				log:    logger.Log,
			})
		},
	}
	cmd.Flags().StringVar(&opts.origin, "origin", "", "origin base URL (overrides ORIGIN_URL)")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token (overrides UPLOAD_AUTH_TOKEN)")
	cmd.Flags().StringVar(&opts.title, "title", "", "post title")
	cmd.Flags().StringVar(&opts.content, "content", "", "post body")
	cmd.Flags().IntVar(&opts.retries, "retries", 0, "automatic transfer retries after a failure")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		secret string
		user   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development bearer token for the origin",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = config.LoadOrigin().JWTSecret
			}
			uid := uuid.New()
			if user != "" {
				parsed, err := uuid.Parse(user)
				if err != nil {
					return fmt.Errorf("invalid user id: %w", err)
				}
				uid = parsed
			}
			token, err := middleware.IssueToken(secret, uid, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (defaults to JWT_SECRET)")
	cmd.Flags().StringVar(&user, "user", "", "user id (random when empty)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func runUpload(ctx context.Context, path string, opts uploadOptions, con console) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := con.log

	cfg := config.LoadClient()
	if opts.origin != "" {
		cfg.OriginURL = opts.origin
	}
	if opts.token != "" {
		cfg.AuthToken = opts.token
	}

	file, err := intake.Open(path)
	if err != nil {
		return err
	}

	var redirect string
	o := orchestrator.New(cfg, orchestrator.Deps{
		Origin:   originclient.New(cfg.OriginURL, cfg.AuthToken, log),
		Redirect: func(url string) { redirect = url },
		Log:      log,
	})

	// changed wakes the loop so CanSubmit is re-evaluated after every event.
	changed := make(chan struct{}, 1)
	notable := make(chan events.Event, 16)
	unsubscribe := o.Bus().Subscribe(func(e events.Event) {
		printEvent(con.status, e)
		select {
		case changed <- struct{}{}:
		default:
		}
		switch e.Type {
		case events.ModerationChanged:
			if e.Moderation != domain.ModerationError {
				return
			}
		case events.TransferError, events.RateLimited, events.ModerationRejected, events.SessionExpired, events.IdleWarning:
		default:
			return
		}
		select {
		case notable <- e:
		default:
		}
	})
	defer unsubscribe()

	done := make(chan struct{})
	defer close(done)
	retry := make(chan struct{})
	go readInput(con.in, o, retry, done)

	if err := o.Select(ctx, file); err != nil {
		return err
	}

	retries := opts.retries
	input := (<-chan struct{})(retry)
	// pending holds the failure the user has been asked to retry.
	var pending *events.Event

	leave := func(e events.Event) error {
		o.Reset(ctx)
		o.Wait()
		return fmt.Errorf("%s: %w", domain.UserMessage(e.Err), e.Err)
	}
	ask := func(e events.Event) error {
		if input == nil {
			return leave(e)
		}
		pending = &e
		fmt.Fprintln(con.status, domain.UserMessage(e.Err))
		fmt.Fprintln(con.status, retryPrompt)
		return nil
	}

	leaving := false
	for !o.CanSubmit() {
		select {
		case <-changed:

		case <-ctx.Done():
			<-o.Unload()
			return ctx.Err()

		case sig := <-con.sigs:
			if !leaving && sig == syscall.SIGINT && o.BeforeUnload() {
				leaving = true
				fmt.Fprintln(con.status, "Leave and discard the upload? Press Ctrl-C again to confirm.")
				continue
			}
			waitBeacon(o.Unload(), cfg.BeaconTimeout)
			return errors.New("upload abandoned")

		case _, ok := <-input:
			if !ok {
				input = nil
				if pending != nil {
					return leave(*pending)
				}
				continue
			}
			if pending == nil {
				fmt.Fprintln(con.status, "Nothing to retry.")
				continue
			}
			e := *pending
			pending = nil
			if e.Type == events.TransferError {
				err = o.RetryTransfer(ctx)
			} else {
				err = o.RetryModeration(ctx)
			}
			if err != nil {
				log.Warn().Err(err).Msg("retry refused")
				if err := ask(e); err != nil {
					return err
				}
			}

		case e := <-notable:
			switch e.Type {
			case events.TransferError:
				if retries == 0 {
					if err := ask(e); err != nil {
						return err
					}
					continue
				}
				retries--
				fmt.Fprintln(con.status, "Retrying upload...")
				if err := o.RetryTransfer(ctx); err != nil {
					return err
				}
			case events.ModerationChanged:
				if err := ask(e); err != nil {
					return err
				}
			case events.RateLimited:
				o.Wait()
				return e.Err
			case events.ModerationRejected:
				o.AcknowledgeRejection(ctx)
				o.Wait()
				return domain.ErrModerationRejected
			case events.SessionExpired:
				o.Wait()
				return errors.New("session expired")
			case events.IdleWarning:
				fmt.Fprintln(con.status, "Still there? Type c and press Enter to keep the upload.")
			}
		}
	}

	url, err := o.Submit(ctx, orchestrator.Form{Title: opts.title, Content: opts.content})
	if err != nil {
		return err
	}
	if url == "" {
		url = redirect
	}
	fmt.Fprintf(con.out, "Published: %s\n", url)
	return nil
}

// readInput treats every line as a keypress. "c" answers the idle warning and
// "r" asks for one retry of the last failure. retry is closed when in ends.
func readInput(in io.Reader, o *orchestrator.Orchestrator, retry chan<- struct{}, done <-chan struct{}) {
	defer close(retry)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		o.Activity(guard.SignalKey)
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "c":
			o.Continue()
		case "r":
			select {
			case retry <- struct{}{}:
			case <-done:
				return
			}
		}
	}
}

func waitBeacon(done <-chan struct{}, timeout time.Duration) {
	select {
	case <-done:
	case <-time.After(timeout + time.Second):
	}
}

func printEvent(w io.Writer, e events.Event) {
	var msg string
	switch e.Type {
	case events.FileSelected:
		msg = fmt.Sprintf("selected %s (%s)", e.Filename, e.Kind)
	case events.FileValidationError, events.TransferError, events.SubmitError:
		msg = fmt.Sprintf("error: %v", e.Err)
	case events.TransferProgress:
		msg = fmt.Sprintf("uploading %d%% (%d/%d bytes)", e.Progress, e.Sent, e.Total)
	case events.TransferSlow, events.RateLimited:
		msg = e.Message
	case events.TransferComplete:
		msg = "upload complete"
	case events.ModerationChanged:
		msg = fmt.Sprintf("moderation: %s", e.Moderation)
	case events.ModerationFlagged:
		msg = fmt.Sprintf("flagged (%s): %s", e.Severity, e.Message)
	case events.ModerationRejected:
		msg = fmt.Sprintf("rejected: %s", e.Message)
	case events.AIProgress:
		msg = fmt.Sprintf("processing %d%%", e.Progress)
	case events.VariantsReady:
		msg = fmt.Sprintf("%d variants ready", len(e.URLs))
	case events.IdleCountdown:
		msg = fmt.Sprintf("session ends in %s", e.Remaining.Round(time.Second))
	case events.SessionExpired:
		msg = "session expired"
	case events.Submitting:
		msg = "submitting..."
	case events.Submitted:
		msg = "submitted"
	default:
		return
	}
	fmt.Fprintln(w, msg)
}
