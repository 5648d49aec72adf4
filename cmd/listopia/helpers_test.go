package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"

	"github.com/odvcencio/listopia/pkg/logging"
)

func testLogger(w io.Writer) *logging.Logger {
	return logging.New("test", slog.LevelDebug, w)
}

func serveGet(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}
