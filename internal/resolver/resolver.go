// Package resolver maps a client selector to the ordered segments of one recording session.
package resolver

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/gaitlab/internal/errs"
	"github.com/maneesh/gaitlab/internal/models"
)

var tracer = otel.Tracer("gaitlab-resolver")

// objectNamePattern matches {patientId}_{sessionTs}_{label}.
var objectNamePattern = regexp.MustCompile(`^(\d+)_(\d+)_(.+)$`)

// SegmentRepository is the read side of the segment table.
type SegmentRepository interface {
	SegmentsBySessionRef(ctx context.Context, sessionRef int64) ([]*models.Segment, error)
	SegmentsInWindow(ctx context.Context, patientID int64, from, to time.Time) ([]*models.Segment, error)
	SegmentsByObjectPrefix(ctx context.Context, patientID int64, prefix string) ([]*models.Segment, error)
}

// Resolver turns selectors into sessions.
type Resolver struct {
	repo SegmentRepository
	log  zerolog.Logger
}

// New creates a Resolver.
func New(repo SegmentRepository, log zerolog.Logger) *Resolver {
	return &Resolver{
		repo: repo,
		log:  log.With().Str("component", "session-resolver").Logger(),
	}
}

// Resolve returns the session addressed by sel. An empty result is a NotFound error.
func (r *Resolver) Resolve(ctx context.Context, sel models.Selector) (*models.Session, error) {
	if sel.SessionRef != nil {
		return r.BySessionRef(ctx, *sel.SessionRef)
	}
	return r.ByTime(ctx, sel.PatientID, sel.At, sel.Window)
}

// BySessionRef returns all segments linked to a measurement id.
func (r *Resolver) BySessionRef(ctx context.Context, sessionRef int64) (*models.Session, error) {
	ctx, span := tracer.Start(ctx, "resolver.by_session_ref",
		trace.WithAttributes(attribute.Int64("session_ref", sessionRef)),
	)
	defer span.End()

	segments, err := r.repo.SegmentsBySessionRef(ctx, sessionRef)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("resolve session %d: %w", sessionRef, err)
	}
	if len(segments) == 0 {
		return nil, errs.NotFound("resolver.by_session_ref", "no video found for this measurement")
	}

	models.SortSegments(segments)
	span.SetAttributes(attribute.Int("segment_count", len(segments)))
	return &models.Session{Key: models.ExplicitKey{SessionRef: sessionRef}, Segments: segments}, nil
}

// ByTime finds the segment nearest to at within ±window and expands it to its session.
func (r *Resolver) ByTime(ctx context.Context, patientID int64, at time.Time, window time.Duration) (*models.Session, error) {
	ctx, span := tracer.Start(ctx, "resolver.by_time",
		trace.WithAttributes(
			attribute.Int64("patient_id", patientID),
			attribute.String("at", at.UTC().Format(time.RFC3339)),
			attribute.Int64("window_seconds", int64(window.Seconds())),
		),
	)
	defer span.End()

	candidates, err := r.repo.SegmentsInWindow(ctx, patientID, at.Add(-window), at.Add(window))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("resolve nearest segment: %w", err)
	}
	nearest := Nearest(candidates, at)
	if nearest == nil {
		return nil, errs.NotFound("resolver.by_time", "no video near that time")
	}

	session, err := r.expand(ctx, nearest)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("session_key", session.Key.String()),
		attribute.Int("segment_count", len(session.Segments)),
	)
	r.log.Debug().
		Int64("nearest_segment", nearest.ID).
		Str("session_key", session.Key.String()).
		Int("segment_count", len(session.Segments)).
		Msg("resolved session by time")
	return session, nil
}

// expand applies the strategy chain: explicit link, then filename convention, then singleton.
func (r *Resolver) expand(ctx context.Context, seg *models.Segment) (*models.Session, error) {
	if seg.HasSessionRef() {
		return r.BySessionRef(ctx, *seg.SessionRef)
	}

	if key, ok := InferKey(seg); ok {
		segments, err := r.repo.SegmentsByObjectPrefix(ctx, key.PatientID, key.Prefix())
		if err != nil {
			return nil, fmt.Errorf("resolve inferred session %s: %w", key, err)
		}
		if len(segments) == 0 {
			// the nearest row always matches its own prefix; tolerate a racing delete
			segments = []*models.Segment{seg}
		}
		models.SortSegments(segments)
		return &models.Session{Key: key, Segments: segments}, nil
	}

	return &models.Session{Key: models.SingletonKey{SegmentID: seg.ID}, Segments: []*models.Segment{seg}}, nil
}

// InferKey parses {patientId}_{sessionTs}_{label}. The patient id in the name must
// match the row's owner.
func InferKey(seg *models.Segment) (models.InferredKey, bool) {
	m := objectNamePattern.FindStringSubmatch(seg.ObjectName)
	if m == nil {
		return models.InferredKey{}, false
	}
	pid, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || pid != seg.PatientID {
		return models.InferredKey{}, false
	}
	return models.InferredKey{PatientID: pid, SessionTS: m[2]}, true
}

// Nearest picks the candidate minimizing |capturedAt - at|. Ties prefer the later
// capture, then the higher id.
func Nearest(candidates []*models.Segment, at time.Time) *models.Segment {
	var (
		best     *models.Segment
		bestDist time.Duration
	)
	for _, c := range candidates {
		d := absDuration(c.CapturedAt.Sub(at))
		switch {
		case best == nil, d < bestDist:
			best, bestDist = c, d
		case d == bestDist && best.Before(c):
			best = c
		}
	}
	return best
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
