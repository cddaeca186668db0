package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/gaitlab/internal/models"
)

// DefaultListTTL is the time-to-live for a cached patient segment listing
const DefaultListTTL = 5 * time.Minute

// SegmentCache caches per-patient segment listings in Redis
type SegmentCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSegmentCache connects to Redis and verifies the connection
func NewSegmentCache(addr, password string, db int, ttl time.Duration) (*SegmentCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return NewSegmentCacheFromClient(client, ttl), nil
}

// NewSegmentCacheFromClient wraps an existing client
func NewSegmentCacheFromClient(client *redis.Client, ttl time.Duration) *SegmentCache {
	if ttl <= 0 {
		ttl = DefaultListTTL
	}
	return &SegmentCache{client: client, ttl: ttl}
}

// Close closes the Redis connection
func (c *SegmentCache) Close() error {
	return c.client.Close()
}

// Ping checks connectivity
func (c *SegmentCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func patientKey(patientID int64) string {
	return fmt.Sprintf("patient:%d:segments", patientID)
}

// GetPatientSegments returns the cached listing, or nil on a miss
func (c *SegmentCache) GetPatientSegments(ctx context.Context, patientID int64) ([]*models.Segment, error) {
	ctx, span := tracer.Start(ctx, "redis.get_patient_segments",
		trace.WithAttributes(attribute.Int64("patient_id", patientID)),
	)
	defer span.End()

	data, err := c.client.Get(ctx, patientKey(patientID)).Result()
	if err == redis.Nil {
		span.SetAttributes(attribute.String("cache_status", "miss"))
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}

	segments := []*models.Segment{}
	if err := json.Unmarshal([]byte(data), &segments); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal cached data: %w", err)
	}

	span.SetAttributes(attribute.String("cache_status", "hit"))
	return segments, nil
}

// SetPatientSegments stores a listing
func (c *SegmentCache) SetPatientSegments(ctx context.Context, patientID int64, segments []*models.Segment) error {
	ctx, span := tracer.Start(ctx, "redis.set_patient_segments",
		trace.WithAttributes(
			attribute.Int64("patient_id", patientID),
			attribute.Int("segment_count", len(segments)),
		),
	)
	defer span.End()

	if segments == nil {
		segments = []*models.Segment{}
	}
	data, err := json.Marshal(segments)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal segments: %w", err)
	}

	if err := c.client.Set(ctx, patientKey(patientID), data, c.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}

	span.SetAttributes(attribute.Int64("ttl_seconds", int64(c.ttl.Seconds())))
	return nil
}

// InvalidatePatient drops the cached listing after an upload
func (c *SegmentCache) InvalidatePatient(ctx context.Context, patientID int64) error {
	ctx, span := tracer.Start(ctx, "redis.invalidate_patient",
		trace.WithAttributes(attribute.Int64("patient_id", patientID)),
	)
	defer span.End()

	if err := c.client.Del(ctx, patientKey(patientID)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}
