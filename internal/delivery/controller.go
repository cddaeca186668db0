// Package delivery turns a session selector into an MP4 HTTP response.
//
// A request moves through RESOLVING, CREDENTIALING and STREAMING. If the
// transcoder produces nothing within the first-byte grace, or exits before its
// first byte, the request moves to FALLING_BACK: sources are downloaded, encoded
// to a local file and served with range support. Once the first byte has been
// written the response is committed and failures only truncate it.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/maneesh/gaitlab/internal/errs"
	"github.com/maneesh/gaitlab/internal/metrics"
	"github.com/maneesh/gaitlab/internal/models"
	"github.com/maneesh/gaitlab/internal/spool"
	"github.com/maneesh/gaitlab/internal/transcode"
)

var tracer = otel.Tracer("gaitlab-delivery")

const copyBufferSize = 32 * 1024

// SessionResolver expands a selector into an ordered session.
type SessionResolver interface {
	Resolve(ctx context.Context, sel models.Selector) (*models.Session, error)
}

// URLIssuer mints signed read URLs.
type URLIssuer interface {
	IssueReadURL(ctx context.Context, objectName string, ttl time.Duration) (string, error)
}

// Transcoder runs the external encoder.
type Transcoder interface {
	Stream(ctx context.Context, sources []transcode.Source) (*transcode.Process, error)
	TranscodeFile(ctx context.Context, sources []transcode.Source, outPath string) error
}

// Downloader copies a remote source to a local path.
type Downloader interface {
	Download(ctx context.Context, rawURL, path string) (*spool.Result, error)
}

// Options tunes the controller.
type Options struct {
	FirstByteGrace     time.Duration
	StreamURLTTL       time.Duration
	MaxParallelSigning int
	ScratchDir         string
}

// Controller runs the delivery state machine. It is the only component that
// writes video responses.
type Controller struct {
	resolver   SessionResolver
	issuer     URLIssuer
	engine     Transcoder
	downloader Downloader
	opts       Options
	log        zerolog.Logger
}

// NewController creates a delivery controller.
func NewController(resolver SessionResolver, issuer URLIssuer, engine Transcoder, downloader Downloader, opts Options, log zerolog.Logger) *Controller {
	if opts.FirstByteGrace <= 0 {
		opts.FirstByteGrace = 5 * time.Second
	}
	if opts.StreamURLTTL <= 0 {
		opts.StreamURLTTL = time.Hour
	}
	if opts.MaxParallelSigning <= 0 {
		opts.MaxParallelSigning = 4
	}
	return &Controller{
		resolver:   resolver,
		issuer:     issuer,
		engine:     engine,
		downloader: downloader,
		opts:       opts,
		log:        log.With().Str("component", "delivery").Logger(),
	}
}

// Request selects what to deliver. ObjectName, when set, names a single
// stored object and skips resolution.
type Request struct {
	Selector   models.Selector
	ObjectName string
}

// Serve delivers req to w and returns the terminal state.
func (c *Controller) Serve(w http.ResponseWriter, r *http.Request, req Request) State {
	ctx, span := tracer.Start(r.Context(), "delivery.serve")
	defer span.End()

	log := c.log
	if l := zerolog.Ctx(r.Context()); l.GetLevel() != zerolog.Disabled {
		log = l.With().Str("component", "delivery").Logger()
	}
	d := &delivery{
		c:     c,
		w:     w,
		r:     r.WithContext(ctx),
		span:  span,
		log:   log,
		state: StateResolving,
		mode:  transcode.ModeSingle,
	}

	err := d.run(ctx, req)
	if err != nil {
		d.fail(err)
	}
	span.SetAttributes(attribute.String("delivery.state", string(d.state)))
	return d.state
}

// delivery is the per-request state.
type delivery struct {
	c    *Controller
	w    http.ResponseWriter
	r    *http.Request
	span trace.Span
	log  zerolog.Logger

	state     State
	mode      transcode.Mode
	committed bool
	filename  string
}

func (d *delivery) to(next State) {
	d.log.Debug().Str("from", string(d.state)).Str("to", string(next)).Msg("delivery state")
	d.span.AddEvent(string(next))
	d.state = next
}

func (d *delivery) run(ctx context.Context, req Request) error {
	session, err := d.resolve(ctx, req)
	if err != nil {
		return err
	}
	d.mode = transcode.ModeFor(len(session.Segments))
	d.filename = OutputName(req, session)
	d.span.SetAttributes(
		attribute.String("session.key", session.Key.String()),
		attribute.Int("session.segments", len(session.Segments)),
	)

	d.to(StateCredentialing)
	sources, err := d.c.issueAll(ctx, session.Segments)
	if err != nil {
		return err
	}

	d.to(StateStreaming)
	reason, err := d.stream(ctx, sources)
	if err != nil || reason == "" {
		return err
	}

	d.to(StateFallingBack)
	metrics.RecordFallback(reason)
	return d.fallback(ctx, session, sources)
}

func (d *delivery) resolve(ctx context.Context, req Request) (*models.Session, error) {
	if req.ObjectName != "" {
		return &models.Session{
			Key:      models.SingletonKey{},
			Segments: []*models.Segment{{ObjectName: req.ObjectName}},
		}, nil
	}
	session, err := d.c.resolver.Resolve(ctx, req.Selector)
	if err != nil {
		return nil, err
	}
	if len(session.Segments) == 0 {
		return nil, errs.NotFound("delivery.resolve", "no video found")
	}
	return session, nil
}

// issueAll signs every segment concurrently, keeping segment order.
func (c *Controller) issueAll(ctx context.Context, segments []*models.Segment) ([]transcode.Source, error) {
	ctx, span := tracer.Start(ctx, "delivery.issue_all",
		trace.WithAttributes(attribute.Int("segment_count", len(segments))),
	)
	defer span.End()

	sources := make([]transcode.Source, len(segments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.MaxParallelSigning)

	for i, seg := range segments {
		g.Go(func() error {
			u, err := c.issuer.IssueReadURL(gctx, seg.ObjectName, c.opts.StreamURLTTL)
			if err != nil {
				return err
			}
			sources[i] = transcode.Source(u)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "issuance failed")
		if errors.Is(err, errs.ErrCredentialsMissing) {
			return nil, err
		}
		return nil, errs.E(errs.KindCredentialsMissing, "delivery.issue_all", "could not issue read url", err)
	}
	return sources, nil
}

type readResult struct {
	n   int
	err error
}

// stream runs the live transcode. A non-empty reason means nothing was sent
// and the caller should fall back.
func (d *delivery) stream(ctx context.Context, sources []transcode.Source) (string, error) {
	proc, err := d.c.engine.Stream(ctx, sources)
	if err != nil {
		return "", err
	}
	defer proc.Close()

	started := time.Now()
	stdout := proc.Stdout()
	buf := make([]byte, copyBufferSize)
	first := make(chan readResult, 1)
	go func() {
		n, err := stdout.Read(buf)
		first <- readResult{n: n, err: err}
	}()

	grace := time.NewTimer(d.c.opts.FirstByteGrace)
	defer grace.Stop()

	var res readResult
	select {
	case <-ctx.Done():
		d.log.Info().Msg("client went away before first byte")
		metrics.RecordTranscode(string(d.mode), "cancelled")
		d.to(StateDone)
		return "", nil
	case <-grace.C:
		d.log.Warn().Dur("grace", d.c.opts.FirstByteGrace).Msg("no output within first-byte grace")
		proc.Close()
		return "first_byte_timeout", nil
	case res = <-first:
	}

	if res.n == 0 {
		werr := proc.Wait()
		if werr != nil {
			d.log.Warn().
				Int("exit_code", exitCode(werr)).
				Str("stderr_tail", tail(errs.Diagnostics(werr), 512)).
				Msg("transcoder exited before first byte")
			return "engine_crashed", nil
		}
		d.log.Warn().Msg("transcoder produced no output")
		return "empty_output", nil
	}

	metrics.FirstByteSeconds.Observe(time.Since(started).Seconds())
	d.commit()
	fw := &flushWriter{w: d.w, rc: http.NewResponseController(d.w)}
	if _, err := fw.Write(buf[:res.n]); err != nil {
		d.log.Info().Err(err).Msg("client went away")
		metrics.RecordTranscode(string(d.mode), "cancelled")
		d.to(StateDone)
		return "", nil
	}

	written, copyErr := io.CopyBuffer(fw, stdout, buf)
	written += int64(res.n)

	if ctx.Err() != nil || errors.Is(copyErr, errClientGone) {
		// Close below stops the engine
		d.log.Info().Int64("bytes", written).Msg("client disconnected mid-stream")
		metrics.RecordTranscode(string(d.mode), "cancelled")
		d.to(StateDone)
		return "", nil
	}

	if werr := proc.Wait(); werr != nil {
		d.log.Warn().
			Err(werr).
			Int64("bytes", written).
			Str("stderr_tail", tail(errs.Diagnostics(werr), 512)).
			Msg("transcoder failed after first byte, stream truncated")
		metrics.RecordTranscode(string(d.mode), "truncated")
		d.to(StateDone)
		return "", nil
	}

	d.log.Info().
		Int64("bytes", written).
		Dur("elapsed", time.Since(started)).
		Str("mode", string(d.mode)).
		Msg("stream completed")
	metrics.RecordTranscode(string(d.mode), "streamed")
	d.to(StateDone)
	return "", nil
}

// fallback downloads, encodes to a faststart file and serves it with range
// support. The scratch directory is removed on every path.
func (d *delivery) fallback(ctx context.Context, session *models.Session, sources []transcode.Source) error {
	ctx, span := tracer.Start(ctx, "delivery.fallback")
	defer span.End()

	scratch, err := spool.NewScratch(d.c.opts.ScratchDir)
	if err != nil {
		return errs.E(errs.KindFallbackFailed, "delivery.fallback", "could not prepare fallback", err)
	}
	defer func() {
		if err := scratch.Remove(); err != nil {
			d.log.Error().Err(err).Str("dir", scratch.Dir()).Msg("failed to remove scratch dir")
		}
	}()

	local := make([]transcode.Source, len(sources))
	for i, src := range sources {
		name := fmt.Sprintf("%03d_%s", i, path.Base(session.Segments[i].ObjectName))
		if _, err := d.c.downloader.Download(ctx, string(src), scratch.Path(name)); err != nil {
			span.RecordError(err)
			if errors.Is(err, errs.ErrSourceUnreachable) {
				return err
			}
			return errs.E(errs.KindFallbackFailed, "delivery.fallback", "source download failed", err)
		}
		local[i] = transcode.Source(scratch.Path(name))
	}

	out := scratch.Path("output.mp4")
	if err := d.c.engine.TranscodeFile(ctx, local, out); err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &errs.Error{
			Kind:        errs.KindFallbackFailed,
			Op:          "delivery.fallback",
			Message:     "fallback transcode failed",
			Err:         err,
			Diagnostics: errs.Diagnostics(err),
		}
	}

	f, err := os.Open(out)
	if err != nil {
		return errs.E(errs.KindFallbackFailed, "delivery.fallback", "fallback output missing", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return errs.E(errs.KindFallbackFailed, "delivery.fallback", "fallback output unreadable", err)
	}

	d.commit()
	http.ServeContent(d.w, d.r, d.filename, info.ModTime(), f)

	d.log.Info().Int64("bytes", info.Size()).Str("mode", string(d.mode)).Msg("served fallback file")
	metrics.RecordTranscode(string(d.mode), "fallback")
	d.to(StateDone)
	return nil
}

// commit sets the video headers. The status line follows with the first body write.
func (d *delivery) commit() {
	h := d.w.Header()
	h.Set("Content-Type", "video/mp4")
	h.Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s"`, strings.ReplaceAll(d.filename, `"`, "")))
	h.Set("Cache-Control", "no-store")
	h.Set("Access-Control-Allow-Origin", "*")
	d.committed = true
}

func (d *delivery) fail(err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		d.log.Info().Err(err).Msg("delivery abandoned")
		d.to(StateDone)
		return
	}

	kind := errs.KindOf(err)
	d.span.RecordError(err)
	d.span.SetStatus(codes.Error, string(kind))
	d.to(StateFailed)

	if errors.Is(err, errs.ErrNotFound) || errors.Is(err, errs.ErrBadRequest) {
		d.log.Info().Err(err).Msg("delivery rejected")
	} else {
		d.log.Error().Err(err).Str("kind", string(kind)).Msg("delivery failed")
		metrics.RecordTranscode(string(d.mode), "failed")
	}

	if d.committed {
		return
	}
	WriteError(d.w, err)
}

// OutputName picks the download name: the source name with an .mp4 extension
// for one segment, otherwise a name derived from the selector.
func OutputName(req Request, session *models.Session) string {
	if len(session.Segments) == 1 {
		return MP4Name(session.Segments[0].ObjectName)
	}
	if req.Selector.SessionRef != nil {
		return fmt.Sprintf("measurement_%d.mp4", *req.Selector.SessionRef)
	}
	return fmt.Sprintf("patient_%d_combined.mp4", req.Selector.PatientID)
}

// MP4Name replaces an .avi or .mov extension with .mp4.
func MP4Name(objectName string) string {
	base := path.Base(objectName)
	ext := path.Ext(base)
	switch strings.ToLower(ext) {
	case ".avi", ".mov":
		return strings.TrimSuffix(base, ext) + ".mp4"
	}
	return base
}

func exitCode(err error) int {
	var e *errs.Error
	if errors.As(err, &e) {
		return e.ExitCode
	}
	return -1
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
