package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Register mounts the video API on router. Routes match the escaped path so
// an object name may carry an encoded slash.
func Register(router *mux.Router, rh *ReadHandler, wh *WriteHandler) {
	router.UseEncodedPath()
	api := router.PathPrefix("/api/video").Subrouter()

	route := func(method, path string, h http.HandlerFunc) {
		api.Handle(path, otelhttp.NewHandler(h, method+" /api/video"+path)).Methods(method)
	}

	api.Handle("/{patientId}/upload-video",
		otelhttp.NewHandler(wh, "POST /api/video/{patientId}/upload-video")).Methods(http.MethodPost)
	route(http.MethodGet, "/{patientId}/videos", rh.ListVideos)

	route(http.MethodGet, "/by-measurement/{measurementId}", rh.ResolveByMeasurement)
	route(http.MethodGet, "/by-time", rh.ResolveByTime)

	route(http.MethodGet, "/stream/by-file/{fileName}.mp4", rh.StreamByFile)
	route(http.MethodGet, "/stream/by-measurement/{measurementId}.mp4", rh.StreamByMeasurement)
	route(http.MethodGet, "/stream/by-time.mp4", rh.StreamByTime)
}
