package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maneesh/gaitlab/internal/errs"
	"github.com/maneesh/gaitlab/internal/models"
	"github.com/maneesh/gaitlab/internal/transcode"
)

func TestMP4Name(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"12_1736000000_walk.avi", "12_1736000000_walk.mp4"},
		{"12_1736000000_walk.MOV", "12_1736000000_walk.mp4"},
		{"clip.mp4", "clip.mp4"},
		{"nested/dir/clip.avi", "clip.mp4"},
		{"noext", "noext"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MP4Name(tt.in), tt.in)
	}
}

func TestOutputName(t *testing.T) {
	one := &models.Session{Segments: []*models.Segment{{ObjectName: "3_1_a.avi"}}}
	many := &models.Session{Segments: []*models.Segment{{ObjectName: "a"}, {ObjectName: "b"}}}
	ref := int64(77)

	assert.Equal(t, "3_1_a.mp4", OutputName(Request{Selector: models.BySession(ref)}, one))
	assert.Equal(t, "measurement_77.mp4", OutputName(Request{Selector: models.BySession(ref)}, many))
	assert.Equal(t, "patient_5_combined.mp4", OutputName(Request{Selector: models.ByTime(5, time.Now(), time.Minute)}, many))
}

// slowIssuer finishes later for earlier segments so completion order is reversed.
type slowIssuer struct {
	inflight atomic.Int32
	peak     atomic.Int32
	failOn   string
}

func (s *slowIssuer) IssueReadURL(_ context.Context, objectName string, _ time.Duration) (string, error) {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if objectName == s.failOn {
		return "", errors.New("signer exploded")
	}
	delay := map[string]time.Duration{"a": 60 * time.Millisecond, "b": 30 * time.Millisecond, "c": 0}[objectName]
	time.Sleep(delay)
	return "https://store/" + objectName + "?sig=x", nil
}

func segs(names ...string) []*models.Segment {
	out := make([]*models.Segment, len(names))
	for i, n := range names {
		out[i] = &models.Segment{ID: int64(i + 1), ObjectName: n}
	}
	return out
}

func TestIssueAll_PreservesOrder(t *testing.T) {
	issuer := &slowIssuer{}
	c := NewController(nil, issuer, nil, nil, Options{MaxParallelSigning: 3}, zerolog.Nop())

	sources, err := c.issueAll(context.Background(), segs("a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, []transcode.Source{
		"https://store/a?sig=x",
		"https://store/b?sig=x",
		"https://store/c?sig=x",
	}, sources)
}

func TestIssueAll_RespectsLimit(t *testing.T) {
	issuer := &slowIssuer{}
	c := NewController(nil, issuer, nil, nil, Options{MaxParallelSigning: 1}, zerolog.Nop())

	_, err := c.issueAll(context.Background(), segs("a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), issuer.peak.Load())
}

func TestIssueAll_FailureIsCredentialsMissing(t *testing.T) {
	issuer := &slowIssuer{failOn: "b"}
	c := NewController(nil, issuer, nil, nil, Options{}, zerolog.Nop())

	_, err := c.issueAll(context.Background(), segs("a", "b", "c"))
	require.Error(t, err)
	assert.Equal(t, errs.KindCredentialsMissing, errs.KindOf(err))
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantMessage string
		wantDetails string
	}{
		{"not found", errs.NotFound("op", "no video found for this measurement"), http.StatusNotFound, "no video found for this measurement", ""},
		{"bad request", errs.BadRequest("op", "invalid t"), http.StatusBadRequest, "invalid t", ""},
		{"credentials", errs.E(errs.KindCredentialsMissing, "op", "", errors.New("secret=abc")), http.StatusInternalServerError, "storage credentials missing on server", ""},
		{"unreachable", errs.E(errs.KindSourceUnreachable, "op", "video source returned 404", nil), http.StatusBadGateway, "video source returned 404", ""},
		{"fallback", &errs.Error{
			Kind:        errs.KindFallbackFailed,
			Message:     "fallback transcode failed",
			Diagnostics: "Error opening input https://store/b/x.avi?X-Amz-Signature=deadbeef: 403",
		}, http.StatusInternalServerError, "fallback transcode failed", "Error opening input https://store/b/x.avi?<redacted> 403"},
		{"plain", errors.New("boom"), http.StatusInternalServerError, "internal server error", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body models.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantMessage, body.Error)
			assert.Equal(t, tt.wantDetails, body.Details)
			assert.NotContains(t, rec.Body.String(), "secret=abc")
			assert.NotContains(t, rec.Body.String(), "deadbeef")
		})
	}
}
