package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maneesh/gaitlab/internal/delivery"
	"github.com/maneesh/gaitlab/internal/errs"
	"github.com/maneesh/gaitlab/internal/models"
	"github.com/maneesh/gaitlab/internal/storage"
)

var t0 = time.Date(2025, 1, 4, 12, 0, 0, 0, time.UTC)

type fakeObjects struct {
	puts        map[string][]byte
	contentType string
}

func (f *fakeObjects) PutSegment(_ context.Context, objectName string, body io.Reader, _ int64, contentType string) error {
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if f.puts == nil {
		f.puts = map[string][]byte{}
	}
	f.puts[objectName] = b
	f.contentType = contentType
	return nil
}

func (f *fakeObjects) ObjectURL(objectName string) string {
	return "http://store.local/patient-videos/" + objectName
}

// fakeSegments is both the writer and the lister.
type fakeSegments struct {
	rows      []*models.Segment
	listCalls int
}

func (f *fakeSegments) CreateSegment(_ context.Context, in models.NewSegment, capturedAt time.Time) (*models.Segment, error) {
	seg := &models.Segment{
		ID:         int64(len(f.rows) + 1),
		PatientID:  in.PatientID,
		SessionRef: in.SessionRef,
		ObjectName: in.ObjectName,
		BlobURL:    in.BlobURL,
		CapturedAt: capturedAt,
	}
	f.rows = append(f.rows, seg)
	return seg, nil
}

func (f *fakeSegments) ListPatientSegments(_ context.Context, patientID int64) ([]*models.Segment, error) {
	f.listCalls++
	var out []*models.Segment
	for i := len(f.rows) - 1; i >= 0; i-- {
		if f.rows[i].PatientID == patientID {
			out = append(out, f.rows[i])
		}
	}
	return out, nil
}

type fakeResolver struct {
	session *models.Session
	err     error
	got     models.Selector
}

func (f *fakeResolver) Resolve(_ context.Context, sel models.Selector) (*models.Session, error) {
	f.got = sel
	return f.session, f.err
}

type fakeIssuer struct {
	ttl time.Duration
}

func (f *fakeIssuer) IssueReadURL(_ context.Context, objectName string, ttl time.Duration) (string, error) {
	f.ttl = ttl
	return "http://store.local/patient-videos/" + objectName + "?X-Amz-Signature=sig", nil
}

type fakeStreamer struct {
	got delivery.Request
}

func (f *fakeStreamer) Serve(w http.ResponseWriter, _ *http.Request, req delivery.Request) delivery.State {
	f.got = req
	w.Header().Set("Content-Type", "video/mp4")
	w.Write([]byte("ftyp"))
	return delivery.StateDone
}

type testEnv struct {
	router   *mux.Router
	objects  *fakeObjects
	segments *fakeSegments
	resolver *fakeResolver
	issuer   *fakeIssuer
	streamer *fakeStreamer
	redis    *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := storage.NewSegmentCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)

	env := &testEnv{
		objects:  &fakeObjects{},
		segments: &fakeSegments{},
		resolver: &fakeResolver{},
		issuer:   &fakeIssuer{},
		streamer: &fakeStreamer{},
		redis:    mr,
	}
	rh := NewReadHandler(env.segments, cache, env.resolver, env.issuer, env.streamer, 24*time.Hour, 900*time.Second)
	wh := NewWriteHandler(env.objects, env.segments, cache, 1<<20)
	wh.now = func() time.Time { return t0 }

	env.router = mux.NewRouter()
	env.router.Use(RequestLogger(zerolog.Nop()))
	Register(env.router, rh, wh)
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(path string) *httptest.ResponseRecorder {
	return e.do(httptest.NewRequest(http.MethodGet, path, nil))
}

// aviHeader is enough of a RIFF/AVI header for content sniffing.
var aviHeader = append([]byte("RIFF\x24\x00\x00\x00AVI LIST\x04\x00\x00\x00hdrl"), bytes.Repeat([]byte{0}, 64)...)

func uploadRequest(t *testing.T, patient string, fields map[string]string, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("video", filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/video/"+patient+"/upload-video", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body models.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestUpload_StoresSegment(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.redis.Set("patient:5:segments", "[]"))

	rec := env.do(uploadRequest(t, "5", map[string]string{"device_measurement_id": "77"}, `C:\captures\walk.avi`, aviHeader))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp models.UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	const name = "5_1735992000000_walk.avi"
	assert.Equal(t, "Video uploaded successfully", resp.Message)
	assert.Equal(t, "http://store.local/patient-videos/"+name, resp.URL)
	require.NotNil(t, resp.Segment)
	assert.Equal(t, name, resp.Segment.ObjectName)
	require.NotNil(t, resp.Segment.SessionRef)
	assert.Equal(t, int64(77), *resp.Segment.SessionRef)

	assert.Equal(t, aviHeader, env.objects.puts[name], "sniffed bytes must be re-sent")
	assert.Equal(t, "video/x-msvideo", env.objects.contentType)
	assert.False(t, env.redis.Exists("patient:5:segments"), "listing cache not invalidated")
}

func TestUpload_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		req     func(t *testing.T) *http.Request
		status  int
		message string
	}{
		{
			name: "not a video",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "5", nil, "notes.txt", []byte("plain text notes about gait"))
			},
			status:  http.StatusBadRequest,
			message: "unsupported media type text/plain; charset=utf-8",
		},
		{
			name: "no file",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "5", map[string]string{"device_measurement_id": "3"}, "", nil)
			},
			status:  http.StatusBadRequest,
			message: "no video uploaded",
		},
		{
			name: "bad patient",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "abc", nil, "walk.avi", aviHeader)
			},
			status:  http.StatusBadRequest,
			message: "invalid patientId",
		},
		{
			name: "bad measurement id",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "5", map[string]string{"device_measurement_id": "x1"}, "walk.avi", aviHeader)
			},
			status:  http.StatusBadRequest,
			message: "invalid device_measurement_id",
		},
		{
			name: "too large",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "5", nil, "walk.avi", append(aviHeader, make([]byte, 2<<20)...))
			},
			status:  http.StatusRequestEntityTooLarge,
			message: "video exceeds upload limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rec := env.do(tt.req(t))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.message, errorBody(t, rec))
			assert.Empty(t, env.objects.puts)
			assert.Empty(t, env.segments.rows)
		})
	}
}

func TestListVideos_CacheAside(t *testing.T) {
	env := newTestEnv(t)
	env.segments.rows = []*models.Segment{
		{ID: 1, PatientID: 5, ObjectName: "5_1_a.avi", CapturedAt: t0},
		{ID: 2, PatientID: 5, ObjectName: "5_2_b.avi", CapturedAt: t0.Add(time.Minute)},
		{ID: 3, PatientID: 6, ObjectName: "6_3_c.avi", CapturedAt: t0},
	}

	list := func() []*models.Segment {
		rec := env.get("/api/video/5/videos")
		require.Equal(t, http.StatusOK, rec.Code)
		var out []*models.Segment
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		return out
	}

	first := list()
	require.Len(t, first, 2)
	assert.Equal(t, int64(2), first[0].ID, "newest first")
	assert.Equal(t, 1, env.segments.listCalls)

	second := list()
	assert.Equal(t, first, second)
	assert.Equal(t, 1, env.segments.listCalls, "second listing should come from cache")

	rec := env.do(uploadRequest(t, "5", nil, "c.avi", aviHeader))
	require.Equal(t, http.StatusCreated, rec.Code)

	third := list()
	assert.Len(t, third, 3)
	assert.Equal(t, 2, env.segments.listCalls)
}

func TestListVideos_EmptyIsArray(t *testing.T) {
	env := newTestEnv(t)
	rec := env.get("/api/video/8/videos")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestResolveByMeasurement_Single(t *testing.T) {
	env := newTestEnv(t)
	env.resolver.session = &models.Session{
		Key:      models.ExplicitKey{SessionRef: 42},
		Segments: []*models.Segment{{ID: 1, ObjectName: "9_1736000000_walk one.avi"}},
	}

	rec := env.get("/api/video/by-measurement/42")

	require.Equal(t, http.StatusOK, rec.Code)
	var d models.VideoDescriptor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, models.DescriptorSingle, d.Type)
	assert.Equal(t, "9_1736000000_walk one.avi", d.FileName)
	assert.Contains(t, d.BlobURL, "X-Amz-Signature=")
	assert.Equal(t, "/api/video/stream/by-file/9_1736000000_walk%20one.avi.mp4", d.MP4StreamURL)
	assert.Equal(t, 24*time.Hour, env.issuer.ttl)
	require.NotNil(t, env.resolver.got.SessionRef)
	assert.Equal(t, int64(42), *env.resolver.got.SessionRef)
}

func TestResolveByMeasurement_Merged(t *testing.T) {
	env := newTestEnv(t)
	env.resolver.session = &models.Session{
		Key:      models.ExplicitKey{SessionRef: 42},
		Segments: []*models.Segment{{ID: 1}, {ID: 2}, {ID: 3}},
	}

	rec := env.get("/api/video/by-measurement/42")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"type":"merged","combined_stream_url":"/api/video/stream/by-measurement/42.mp4","count":3}`, rec.Body.String())
}

func TestResolveByMeasurement_NotFound(t *testing.T) {
	env := newTestEnv(t)
	env.resolver.err = errs.NotFound("resolver.by_session_ref", "no video found for this measurement")

	rec := env.get("/api/video/by-measurement/42")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no video found for this measurement", errorBody(t, rec))
}

func TestResolveByTime(t *testing.T) {
	env := newTestEnv(t)
	env.resolver.session = &models.Session{
		Key:      models.InferredKey{PatientID: 5, SessionTS: "1736000000"},
		Segments: []*models.Segment{{ID: 1}, {ID: 2}},
	}

	rec := env.get("/api/video/by-time?patientId=5&t=2025-01-04T12:01:00Z")

	require.Equal(t, http.StatusOK, rec.Code)
	var d models.VideoDescriptor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, models.DescriptorMerged, d.Type)
	assert.Equal(t, 2, d.Count)

	u, err := url.Parse(d.CombinedStreamURL)
	require.NoError(t, err)
	assert.Equal(t, "/api/video/stream/by-time.mp4", u.Path)
	assert.Equal(t, "5", u.Query().Get("patientId"))
	assert.Equal(t, "900", u.Query().Get("windowSec"))
	assert.Equal(t, "2025-01-04T12:01:00Z", u.Query().Get("t"))

	assert.Equal(t, int64(5), env.resolver.got.PatientID)
	assert.Equal(t, t0.Add(time.Minute), env.resolver.got.At)
	assert.Equal(t, 900*time.Second, env.resolver.got.Window)
}

func TestResolveByTime_BadSelectors(t *testing.T) {
	tests := []struct {
		query   string
		message string
	}{
		{"t=2025-01-04T12:00:00Z", "invalid patientId"},
		{"patientId=0&t=2025-01-04T12:00:00Z", "invalid patientId"},
		{"patientId=5", "missing t"},
		{"patientId=5&t=yesterday", "invalid t, expected an ISO timestamp"},
		{"patientId=5&t=2025-01-04T12:00:00Z&windowSec=-3", "invalid windowSec"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			env := newTestEnv(t)
			rec := env.get("/api/video/by-time?" + tt.query)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.message, errorBody(t, rec))
		})
	}
}

func TestParseTime(t *testing.T) {
	for _, raw := range []string{
		"2025-01-04T12:00:00Z",
		"2025-01-04T13:00:00+01:00",
		"2025-01-04T12:00:00.000Z",
		"2025-01-04T12:00:00",
		"2025-01-04 12:00:00",
	} {
		got, ok := parseTime(raw)
		require.True(t, ok, raw)
		assert.True(t, got.Equal(t0), raw)
	}
}

func TestStreamRoutes(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get("/api/video/stream/by-file/9_1736000000_walk%20one.avi.mp4")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "9_1736000000_walk one.avi", env.streamer.got.ObjectName)

	rec = env.get("/api/video/stream/by-measurement/77.mp4")
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, env.streamer.got.Selector.SessionRef)
	assert.Equal(t, int64(77), *env.streamer.got.Selector.SessionRef)

	rec = env.get("/api/video/stream/by-time.mp4?patientId=5&t=2025-01-04T12:00:00Z&windowSec=60")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(5), env.streamer.got.Selector.PatientID)
	assert.Equal(t, time.Minute, env.streamer.got.Selector.Window)

	rec = env.get("/api/video/stream/by-measurement/abc.mp4")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamByFile_EncodedNames(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get("/api/video/stream/by-file/legacy%2F9_1736000000_walk.avi.mp4")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "legacy/9_1736000000_walk.avi", env.streamer.got.ObjectName)

	for _, bad := range []string{
		"/api/video/stream/by-file/..%2Fsecret.avi.mp4",
		"/api/video/stream/by-file/legacy%2F%2Fwalk.avi.mp4",
		"/api/video/stream/by-file/%2E%2E.mp4",
	} {
		rec = env.get(bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestObjectName(t *testing.T) {
	name, ok := objectName("9_1736000000_walk%20one.avi")
	assert.True(t, ok)
	assert.Equal(t, "9_1736000000_walk one.avi", name)

	_, ok = objectName("%zz")
	assert.False(t, ok)
	_, ok = objectName("a%2F..%2Fb")
	assert.False(t, ok)
}

func TestRequestLogger_RequestID(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get("/api/video/8/videos")
	generated := rec.Header().Get(RequestIDHeader)
	assert.Len(t, generated, 36)

	req := httptest.NewRequest(http.MethodGet, "/api/video/8/videos", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec = env.do(req)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json"))
}
