package models

import (
	"fmt"
	"time"
)

// SessionKey identifies how a session was reassembled.
// Exactly one of the concrete key types below implements it.
type SessionKey interface {
	sessionKey()
	String() string
}

// ExplicitKey groups segments sharing a device measurement id.
type ExplicitKey struct {
	SessionRef int64
}

// InferredKey groups segments by the {patientId}_{sessionTs}_ object name prefix.
type InferredKey struct {
	PatientID int64
	SessionTS string
}

// SingletonKey is a session made of one segment with no recoverable siblings.
type SingletonKey struct {
	SegmentID int64
}

func (ExplicitKey) sessionKey()  {}
func (InferredKey) sessionKey()  {}
func (SingletonKey) sessionKey() {}

func (k ExplicitKey) String() string  { return fmt.Sprintf("explicit:%d", k.SessionRef) }
func (k InferredKey) String() string  { return fmt.Sprintf("inferred:%d_%s", k.PatientID, k.SessionTS) }
func (k SingletonKey) String() string { return fmt.Sprintf("singleton:%d", k.SegmentID) }

// Prefix returns the object name prefix shared by all segments of the inferred session.
func (k InferredKey) Prefix() string {
	return fmt.Sprintf("%d_%s_", k.PatientID, k.SessionTS)
}

// Session is an ordered run of segments believed to form one recording. Never persisted.
type Session struct {
	Key      SessionKey
	Segments []*Segment
}

// Single reports whether the session has exactly one segment.
func (s *Session) Single() bool {
	return len(s.Segments) == 1
}

// Selector is what a caller asks for. Set SessionRef, or PatientID+At+Window.
type Selector struct {
	SessionRef *int64
	PatientID  int64
	At         time.Time
	Window     time.Duration
}

// BySession builds a selector for an explicit measurement id.
func BySession(ref int64) Selector {
	return Selector{SessionRef: &ref}
}

// ByTime builds a selector for the segment nearest to at.
func ByTime(patientID int64, at time.Time, window time.Duration) Selector {
	return Selector{PatientID: patientID, At: at, Window: window}
}
