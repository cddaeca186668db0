package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/maneesh/gaitlab/internal/errs"
	"github.com/maneesh/gaitlab/internal/models"
	"github.com/maneesh/gaitlab/internal/transcode"
)

// State is a delivery state machine state.
type State string

const (
	StateResolving     State = "RESOLVING"
	StateCredentialing State = "CREDENTIALING"
	StateStreaming     State = "STREAMING"
	StateFallingBack   State = "FALLING_BACK"
	StateDone          State = "DONE"
	StateFailed        State = "FAILED"
)

var errClientGone = errors.New("client connection closed")

// flushWriter pushes every write to the client so fragments arrive as encoded.
type flushWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: %v", errClientGone, err)
	}
	if err := f.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return n, fmt.Errorf("%w: %v", errClientGone, err)
	}
	return n, nil
}

// WriteError writes the JSON error body for err.
func WriteError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	body := models.ErrorResponse{Error: publicMessage(err, kind)}
	if kind == errs.KindFallbackFailed {
		body.Details = transcode.Scrub(errs.Diagnostics(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(errs.HTTPStatus(kind))
	json.NewEncoder(w).Encode(body)
}

// publicMessage never includes wrapped causes, which may carry URLs or paths.
func publicMessage(err error, kind errs.Kind) string {
	var e *errs.Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	switch kind {
	case errs.KindNotFound:
		return "not found"
	case errs.KindBadRequest:
		return "bad request"
	case errs.KindCredentialsMissing:
		return "storage credentials missing on server"
	case errs.KindSourceUnreachable:
		return "video source unreachable"
	case errs.KindEngineUnavailable:
		return "transcoder unavailable"
	case errs.KindFallbackFailed:
		return "fallback transcode failed"
	}
	return "internal server error"
}
