package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matteso1/asyncstore"
)

func TestMetricsServer(t *testing.T) {
	s, err := asyncstore.New(t.TempDir())
	require.NoError(t, err)
	defer s.Close(context.Background())

	_, err = s.SetItem("k", "v").Await(context.Background())
	require.NoError(t, err)

	srv := newMetricsServer(s, "127.0.0.1:0")

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `asyncstore_calls_total{op="set"} 1`)
}
