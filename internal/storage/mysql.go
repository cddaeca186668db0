package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/gaitlab/internal/models"
)

const segmentColumns = `id, patient_id, file_name, blob_url, device_measurement_id, uploaded_at`

const schemaSQL = `CREATE TABLE IF NOT EXISTS patient_videos (
	id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
	patient_id BIGINT NOT NULL,
	file_name VARCHAR(512) NOT NULL,
	blob_url VARCHAR(1024) NOT NULL,
	device_measurement_id BIGINT NULL,
	uploaded_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
	UNIQUE KEY uq_patient_videos_file_name (file_name),
	KEY idx_patient_videos_measurement (device_measurement_id, uploaded_at, id),
	KEY idx_patient_videos_patient_time (patient_id, uploaded_at, id)
)`

// SegmentStore wraps the patient_videos table with tracing
type SegmentStore struct {
	db *sql.DB
}

// NewSegmentStore opens a MySQL connection pool
func NewSegmentStore(dsn string) (*SegmentStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &SegmentStore{db: db}, nil
}

// NewSegmentStoreFromDB wraps an existing handle
func NewSegmentStoreFromDB(db *sql.DB) *SegmentStore {
	return &SegmentStore{db: db}
}

// Close closes the database connection
func (s *SegmentStore) Close() error {
	return s.db.Close()
}

// Ping checks connectivity
func (s *SegmentStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureSchema creates the patient_videos table if it does not exist
func (s *SegmentStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create patient_videos: %w", err)
	}
	return nil
}

// SegmentsBySessionRef returns every segment recorded under a measurement id
func (s *SegmentStore) SegmentsBySessionRef(ctx context.Context, sessionRef int64) ([]*models.Segment, error) {
	ctx, span := tracer.Start(ctx, "mysql.segments_by_session_ref",
		trace.WithAttributes(attribute.Int64("session_ref", sessionRef)),
	)
	defer span.End()

	query := `SELECT ` + segmentColumns + ` FROM patient_videos WHERE device_measurement_id = ? ORDER BY uploaded_at ASC, id ASC`
	segments, err := s.querySegments(ctx, query, sessionRef)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("segment_count", len(segments)))
	return segments, nil
}

// SegmentsInWindow returns the patient's segments captured within [from, to]
func (s *SegmentStore) SegmentsInWindow(ctx context.Context, patientID int64, from, to time.Time) ([]*models.Segment, error) {
	ctx, span := tracer.Start(ctx, "mysql.segments_in_window",
		trace.WithAttributes(
			attribute.Int64("patient_id", patientID),
			attribute.String("from", from.UTC().Format(time.RFC3339)),
			attribute.String("to", to.UTC().Format(time.RFC3339)),
		),
	)
	defer span.End()

	query := `SELECT ` + segmentColumns + ` FROM patient_videos WHERE patient_id = ? AND uploaded_at BETWEEN ? AND ? ORDER BY uploaded_at ASC, id ASC`
	segments, err := s.querySegments(ctx, query, patientID, from.UTC(), to.UTC())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("segment_count", len(segments)))
	return segments, nil
}

// SegmentsByObjectPrefix returns the patient's segments whose object name starts with prefix
func (s *SegmentStore) SegmentsByObjectPrefix(ctx context.Context, patientID int64, prefix string) ([]*models.Segment, error) {
	ctx, span := tracer.Start(ctx, "mysql.segments_by_object_prefix",
		trace.WithAttributes(
			attribute.Int64("patient_id", patientID),
			attribute.String("prefix", prefix),
		),
	)
	defer span.End()

	query := `SELECT ` + segmentColumns + ` FROM patient_videos WHERE patient_id = ? AND file_name LIKE ? ORDER BY uploaded_at ASC, id ASC`
	segments, err := s.querySegments(ctx, query, patientID, escapeLike(prefix)+"%")
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("segment_count", len(segments)))
	return segments, nil
}

// ListPatientSegments returns all segments of a patient, newest first
func (s *SegmentStore) ListPatientSegments(ctx context.Context, patientID int64) ([]*models.Segment, error) {
	ctx, span := tracer.Start(ctx, "mysql.list_patient_segments",
		trace.WithAttributes(attribute.Int64("patient_id", patientID)),
	)
	defer span.End()

	query := `SELECT ` + segmentColumns + ` FROM patient_videos WHERE patient_id = ? ORDER BY uploaded_at DESC, id DESC`
	segments, err := s.querySegments(ctx, query, patientID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("segment_count", len(segments)))
	return segments, nil
}

// CreateSegment inserts a segment row and returns it with its assigned id
func (s *SegmentStore) CreateSegment(ctx context.Context, in models.NewSegment, capturedAt time.Time) (*models.Segment, error) {
	ctx, span := tracer.Start(ctx, "mysql.create_segment",
		trace.WithAttributes(
			attribute.Int64("patient_id", in.PatientID),
			attribute.String("file_name", in.ObjectName),
		),
	)
	defer span.End()

	var ref sql.NullInt64
	if in.SessionRef != nil {
		ref = sql.NullInt64{Int64: *in.SessionRef, Valid: true}
	}

	query := `INSERT INTO patient_videos (patient_id, file_name, blob_url, device_measurement_id, uploaded_at) VALUES (?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query, in.PatientID, in.ObjectName, in.BlobURL, ref, capturedAt.UTC())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to insert segment: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read segment id: %w", err)
	}

	span.SetAttributes(attribute.Int64("segment_id", id))
	return &models.Segment{
		ID:         id,
		PatientID:  in.PatientID,
		SessionRef: in.SessionRef,
		ObjectName: in.ObjectName,
		BlobURL:    in.BlobURL,
		CapturedAt: capturedAt.UTC(),
	}, nil
}

func (s *SegmentStore) querySegments(ctx context.Context, query string, args ...any) ([]*models.Segment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query segments: %w", err)
	}
	defer rows.Close()

	var segments []*models.Segment
	for rows.Next() {
		var (
			seg models.Segment
			ref sql.NullInt64
		)
		if err := rows.Scan(&seg.ID, &seg.PatientID, &seg.ObjectName, &seg.BlobURL, &ref, &seg.CapturedAt); err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		if ref.Valid {
			v := ref.Int64
			seg.SessionRef = &v
		}
		segments = append(segments, &seg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating segments: %w", err)
	}
	return segments, nil
}

// escapeLike escapes LIKE wildcards; '_' appears in every object name.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
