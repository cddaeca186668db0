package models

import (
	"sort"
	"time"
)

// Segment represents one uploaded video file stored in MySQL
type Segment struct {
	ID         int64     `json:"id"`
	PatientID  int64     `json:"patient_id"`
	SessionRef *int64    `json:"device_measurement_id"`
	ObjectName string    `json:"file_name"`
	BlobURL    string    `json:"blob_url"`
	CapturedAt time.Time `json:"uploaded_at"`
}

// HasSessionRef reports whether the segment was uploaded inside a live measurement session
func (s *Segment) HasSessionRef() bool {
	return s.SessionRef != nil && *s.SessionRef != 0
}

// Before orders segments by capture time, then by id
func (s *Segment) Before(o *Segment) bool {
	if !s.CapturedAt.Equal(o.CapturedAt) {
		return s.CapturedAt.Before(o.CapturedAt)
	}
	return s.ID < o.ID
}

// SortSegments sorts in place into session playback order
func SortSegments(segments []*Segment) {
	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].Before(segments[j])
	})
}

// NewSegment holds the fields written by the upload path
type NewSegment struct {
	PatientID  int64
	SessionRef *int64
	ObjectName string
	BlobURL    string
}
