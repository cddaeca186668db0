package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/gaitlab/internal/delivery"
	"github.com/maneesh/gaitlab/internal/errs"
	"github.com/maneesh/gaitlab/internal/models"
)

var tracer = otel.Tracer("gaitlab-handlers")

const (
	maxMemoryBytes = 32 << 20
	sniffBytes     = 3072
)

// ObjectWriter stores uploaded segments.
type ObjectWriter interface {
	PutSegment(ctx context.Context, objectName string, body io.Reader, size int64, contentType string) error
	ObjectURL(objectName string) string
}

// SegmentWriter records segment rows.
type SegmentWriter interface {
	CreateSegment(ctx context.Context, in models.NewSegment, capturedAt time.Time) (*models.Segment, error)
}

// ListingInvalidator drops cached patient listings.
type ListingInvalidator interface {
	InvalidatePatient(ctx context.Context, patientID int64) error
}

// WriteHandler handles segment uploads
type WriteHandler struct {
	objects  ObjectWriter
	segments SegmentWriter
	cache    ListingInvalidator
	maxBytes int64
	now      func() time.Time
}

// NewWriteHandler creates a new write handler
func NewWriteHandler(objects ObjectWriter, segments SegmentWriter, cache ListingInvalidator, maxBytes int64) *WriteHandler {
	return &WriteHandler{
		objects:  objects,
		segments: segments,
		cache:    cache,
		maxBytes: maxBytes,
		now:      time.Now,
	}
}

// ServeHTTP handles POST /api/video/{patientId}/upload-video
func (wh *WriteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload_video",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()
	log := zerolog.Ctx(ctx)

	patientID, err := pathID(r, "patientId")
	if err != nil {
		delivery.WriteError(w, err)
		return
	}
	span.SetAttributes(attribute.Int64("patient_id", patientID))

	if wh.maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, wh.maxBytes)
	}
	if err := r.ParseMultipartForm(maxMemoryBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, models.ErrorResponse{Error: "video exceeds upload limit"})
			return
		}
		delivery.WriteError(w, errs.BadRequest("handlers.upload", "expected multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	sessionRef, err := optionalID(r.FormValue("device_measurement_id"))
	if err != nil {
		delivery.WriteError(w, errs.BadRequest("handlers.upload", "invalid device_measurement_id"))
		return
	}

	file, header, err := r.FormFile("video")
	if err != nil {
		delivery.WriteError(w, errs.BadRequest("handlers.upload", "no video uploaded"))
		return
	}
	defer file.Close()

	// Step 1: Sniff the container from the first bytes
	head := make([]byte, sniffBytes)
	n, err := io.ReadFull(file, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		span.RecordError(err)
		delivery.WriteError(w, errs.E(errs.KindInternal, "handlers.upload", "failed to read upload", err))
		return
	}
	head = head[:n]
	mtype := mimetype.Detect(head)
	if !strings.HasPrefix(mtype.String(), "video/") {
		log.Info().Str("detected", mtype.String()).Msg("rejected non-video upload")
		delivery.WriteError(w, errs.BadRequest("handlers.upload", fmt.Sprintf("unsupported media type %s", mtype.String())))
		return
	}

	capturedAt := wh.now().UTC()
	objectName := fmt.Sprintf("%d_%d_%s", patientID, capturedAt.UnixMilli(), cleanName(header.Filename))
	span.SetAttributes(
		attribute.String("object_name", objectName),
		attribute.Int64("file_size", header.Size),
		attribute.String("content_type", mtype.String()),
	)

	// Step 2: Upload to the object store
	body := io.MultiReader(bytes.NewReader(head), file)
	if err := wh.objects.PutSegment(ctx, objectName, body, header.Size, mtype.String()); err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("object_name", objectName).Msg("segment upload failed")
		delivery.WriteError(w, errs.E(errs.KindInternal, "handlers.upload", "failed to store video", err))
		return
	}

	// Step 3: Record the segment row
	blobURL := wh.objects.ObjectURL(objectName)
	seg, err := wh.segments.CreateSegment(ctx, models.NewSegment{
		PatientID:  patientID,
		SessionRef: sessionRef,
		ObjectName: objectName,
		BlobURL:    blobURL,
	}, capturedAt)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("object_name", objectName).Msg("segment insert failed")
		delivery.WriteError(w, errs.E(errs.KindInternal, "handlers.upload", "failed to save video metadata", err))
		return
	}

	// Step 4: Invalidate the patient listing
	if err := wh.cache.InvalidatePatient(ctx, patientID); err != nil {
		log.Warn().Err(err).Int64("patient_id", patientID).Msg("failed to invalidate listing cache")
	}

	log.Info().
		Int64("segment_id", seg.ID).
		Str("object_name", objectName).
		Int64("bytes", header.Size).
		Msg("video uploaded")
	writeJSON(w, http.StatusCreated, models.UploadResponse{
		Message: "Video uploaded successfully",
		URL:     blobURL,
		Segment: seg,
	})
}

// cleanName keeps the base name of a client-supplied file name.
func cleanName(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" || name == "" {
		return "video"
	}
	return name
}

func pathID(r *http.Request, key string) (int64, error) {
	raw := mux.Vars(r)[key]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.BadRequest("handlers.path", fmt.Sprintf("invalid %s", key))
	}
	return id, nil
}

func optionalID(raw string) (*int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return nil, fmt.Errorf("invalid id %q", raw)
	}
	if id == 0 {
		return nil, nil
	}
	return &id, nil
}
