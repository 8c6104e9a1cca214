package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	harvesttesting "github.com/seedcommons/harvest/utils/pkg/testing"
)

func TestHarvest_AdminRunStageLoopsUntilDone(t *testing.T) {
	log := harvesttesting.NewTestLogger(t, slog.LevelDebug)

	var calls int
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/stages/calcplanted", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		calls++
		_ = json.NewEncoder(w).Encode(map[string]any{
			"done":      calls >= 3,
			"processed": 10,
		})
	}))
	defer srv.Close()

	client := NewClient(log, srv.URL, "sekrit")
	processed, err := client.RunStage(context.Background(), "calcplanted", 100)
	require.NoError(t, err)
	require.Equal(t, 30, processed)
	require.Equal(t, 3, calls)
	require.Equal(t, "Bearer sekrit", gotAuth)
}

func TestHarvest_AdminRunStageHonorsInvocationCap(t *testing.T) {
	log := harvesttesting.NewTestLogger(t, slog.LevelDebug)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"done": false, "processed": 1})
	}))
	defer srv.Close()

	client := NewClient(log, srv.URL, "sekrit")
	_, err := client.RunStage(context.Background(), "ranktxs", 5)
	require.ErrorContains(t, err, "did not complete within 5 invocations")
}

func TestHarvest_AdminRunPipelineStopsOnStageError(t *testing.T) {
	log := harvesttesting.NewTestLogger(t, slog.LevelDebug)

	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/v1/stages/second" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"done": true, "processed": 1})
	}))
	defer srv.Close()

	client := NewClient(log, srv.URL, "sekrit")
	err := client.RunPipeline(context.Background(), []string{"first", "second", "third"}, 10)
	require.ErrorContains(t, err, "stage second")
	require.Equal(t, []string{"/v1/stages/first", "/v1/stages/second"}, paths)
}

func TestHarvest_AdminReset(t *testing.T) {
	log := harvesttesting.NewTestLogger(t, slog.LevelDebug)

	var hit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/reset", r.URL.Path)
		hit = true
	}))
	defer srv.Close()

	client := NewClient(log, srv.URL, "sekrit")
	require.NoError(t, client.Reset(context.Background()))
	require.True(t, hit)
}
