package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/gaitlab/internal/delivery"
	"github.com/maneesh/gaitlab/internal/errs"
	"github.com/maneesh/gaitlab/internal/models"
)

// SegmentLister lists a patient's segments newest first.
type SegmentLister interface {
	ListPatientSegments(ctx context.Context, patientID int64) ([]*models.Segment, error)
}

// ListingCache caches patient listings. Get returns nil on a miss.
type ListingCache interface {
	GetPatientSegments(ctx context.Context, patientID int64) ([]*models.Segment, error)
	SetPatientSegments(ctx context.Context, patientID int64, segments []*models.Segment) error
}

// Streamer writes a video response for a delivery request.
type Streamer interface {
	Serve(w http.ResponseWriter, r *http.Request, req delivery.Request) delivery.State
}

// ReadHandler serves listings, resolve descriptors and streams
type ReadHandler struct {
	segments      SegmentLister
	cache         ListingCache
	resolver      delivery.SessionResolver
	issuer        delivery.URLIssuer
	streamer      Streamer
	resolveTTL    time.Duration
	defaultWindow time.Duration
}

// NewReadHandler creates a new read handler
func NewReadHandler(
	segments SegmentLister,
	cache ListingCache,
	resolver delivery.SessionResolver,
	issuer delivery.URLIssuer,
	streamer Streamer,
	resolveTTL time.Duration,
	defaultWindow time.Duration,
) *ReadHandler {
	return &ReadHandler{
		segments:      segments,
		cache:         cache,
		resolver:      resolver,
		issuer:        issuer,
		streamer:      streamer,
		resolveTTL:    resolveTTL,
		defaultWindow: defaultWindow,
	}
}

// ListVideos handles GET /api/video/{patientId}/videos
func (rh *ReadHandler) ListVideos(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "list_videos",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	patientID, err := pathID(r, "patientId")
	if err != nil {
		delivery.WriteError(w, err)
		return
	}
	span.SetAttributes(attribute.Int64("patient_id", patientID))

	segments, err := rh.listSegments(ctx, patientID)
	if err != nil {
		span.RecordError(err)
		delivery.WriteError(w, errs.E(errs.KindInternal, "handlers.list", "failed to list videos", err))
		return
	}
	writeJSON(w, http.StatusOK, segments)
}

func (rh *ReadHandler) listSegments(ctx context.Context, patientID int64) ([]*models.Segment, error) {
	log := zerolog.Ctx(ctx)

	// Try cache first
	cacheCtx, cacheSpan := tracer.Start(ctx, "cache_lookup")
	segments, err := rh.cache.GetPatientSegments(cacheCtx, patientID)
	cacheSpan.End()
	if err != nil {
		log.Warn().Err(err).Int64("patient_id", patientID).Msg("listing cache unavailable")
	} else if segments != nil {
		log.Debug().Int64("patient_id", patientID).Msg("listing cache hit")
		return segments, nil
	}

	// Cache miss - fetch from MySQL
	dbCtx, dbSpan := tracer.Start(ctx, "db_lookup")
	defer dbSpan.End()
	segments, err = rh.segments.ListPatientSegments(dbCtx, patientID)
	if err != nil {
		return nil, err
	}
	if segments == nil {
		segments = []*models.Segment{}
	}

	if err := rh.cache.SetPatientSegments(dbCtx, patientID, segments); err != nil {
		log.Warn().Err(err).Int64("patient_id", patientID).Msg("failed to update listing cache")
	}
	return segments, nil
}

// ResolveByMeasurement handles GET /api/video/by-measurement/{measurementId}
func (rh *ReadHandler) ResolveByMeasurement(w http.ResponseWriter, r *http.Request) {
	ref, err := pathID(r, "measurementId")
	if err != nil {
		delivery.WriteError(w, err)
		return
	}
	rh.resolve(w, r, models.BySession(ref), fmt.Sprintf("/api/video/stream/by-measurement/%d.mp4", ref))
}

// ResolveByTime handles GET /api/video/by-time?patientId=&t=&windowSec=
func (rh *ReadHandler) ResolveByTime(w http.ResponseWriter, r *http.Request) {
	sel, err := rh.timeSelector(r)
	if err != nil {
		delivery.WriteError(w, err)
		return
	}
	q := url.Values{}
	q.Set("patientId", strconv.FormatInt(sel.PatientID, 10))
	q.Set("t", sel.At.UTC().Format(time.RFC3339Nano))
	q.Set("windowSec", strconv.FormatInt(int64(sel.Window/time.Second), 10))
	rh.resolve(w, r, sel, "/api/video/stream/by-time.mp4?"+q.Encode())
}

func (rh *ReadHandler) resolve(w http.ResponseWriter, r *http.Request, sel models.Selector, combinedURL string) {
	ctx, span := tracer.Start(r.Context(), "resolve_video",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	session, err := rh.resolver.Resolve(ctx, sel)
	if err != nil {
		span.RecordError(err)
		logFailure(ctx, err, "resolve failed")
		delivery.WriteError(w, err)
		return
	}
	span.SetAttributes(
		attribute.String("session_key", session.Key.String()),
		attribute.Int("segment_count", len(session.Segments)),
	)

	if !session.Single() {
		writeJSON(w, http.StatusOK, models.VideoDescriptor{
			Type:              models.DescriptorMerged,
			CombinedStreamURL: combinedURL,
			Count:             len(session.Segments),
		})
		return
	}

	seg := session.Segments[0]
	blobURL, err := rh.issuer.IssueReadURL(ctx, seg.ObjectName, rh.resolveTTL)
	if err != nil {
		span.RecordError(err)
		logFailure(ctx, err, "could not sign blob url")
		delivery.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.VideoDescriptor{
		Type:         models.DescriptorSingle,
		FileName:     seg.ObjectName,
		BlobURL:      blobURL,
		MP4StreamURL: "/api/video/stream/by-file/" + url.PathEscape(seg.ObjectName) + ".mp4",
	})
}

// StreamByFile handles GET /api/video/stream/by-file/{fileName}.mp4
func (rh *ReadHandler) StreamByFile(w http.ResponseWriter, r *http.Request) {
	name, ok := objectName(mux.Vars(r)["fileName"])
	if !ok {
		delivery.WriteError(w, errs.BadRequest("handlers.stream_by_file", "invalid file name"))
		return
	}
	rh.streamer.Serve(w, r, delivery.Request{ObjectName: name})
}

// objectName decodes an escaped path variable into an object name. Empty,
// "." and ".." segments are rejected.
func objectName(escaped string) (string, bool) {
	name, err := url.PathUnescape(escaped)
	if err != nil || name == "" {
		return "", false
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", false
		}
	}
	return name, true
}

// StreamByMeasurement handles GET /api/video/stream/by-measurement/{measurementId}.mp4
func (rh *ReadHandler) StreamByMeasurement(w http.ResponseWriter, r *http.Request) {
	ref, err := pathID(r, "measurementId")
	if err != nil {
		delivery.WriteError(w, err)
		return
	}
	rh.streamer.Serve(w, r, delivery.Request{Selector: models.BySession(ref)})
}

// StreamByTime handles GET /api/video/stream/by-time.mp4?patientId=&t=&windowSec=
func (rh *ReadHandler) StreamByTime(w http.ResponseWriter, r *http.Request) {
	sel, err := rh.timeSelector(r)
	if err != nil {
		delivery.WriteError(w, err)
		return
	}
	rh.streamer.Serve(w, r, delivery.Request{Selector: sel})
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func (rh *ReadHandler) timeSelector(r *http.Request) (models.Selector, error) {
	q := r.URL.Query()
	const op = "handlers.time_selector"

	patientID, err := strconv.ParseInt(q.Get("patientId"), 10, 64)
	if err != nil || patientID <= 0 {
		return models.Selector{}, errs.BadRequest(op, "invalid patientId")
	}

	raw := q.Get("t")
	if raw == "" {
		return models.Selector{}, errs.BadRequest(op, "missing t")
	}
	at, ok := parseTime(raw)
	if !ok {
		return models.Selector{}, errs.BadRequest(op, "invalid t, expected an ISO timestamp")
	}

	window := rh.defaultWindow
	if ws := q.Get("windowSec"); ws != "" {
		secs, err := strconv.Atoi(ws)
		if err != nil || secs <= 0 {
			return models.Selector{}, errs.BadRequest(op, "invalid windowSec")
		}
		window = time.Duration(secs) * time.Second
	}
	return models.ByTime(patientID, at, window), nil
}

// parseTime reads an ISO timestamp. Zone-less values are UTC.
func parseTime(raw string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func logFailure(ctx context.Context, err error, msg string) {
	log := zerolog.Ctx(ctx)
	if errors.Is(err, errs.ErrNotFound) || errors.Is(err, errs.ErrBadRequest) {
		log.Info().Err(err).Msg(msg)
		return
	}
	log.Error().Err(err).Str("kind", string(errs.KindOf(err))).Msg(msg)
}
