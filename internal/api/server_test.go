package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/albapepper/hoopcal/internal/cache"
	"github.com/albapepper/hoopcal/internal/config"
	"github.com/albapepper/hoopcal/internal/refresh"
	"github.com/albapepper/hoopcal/internal/scrape"
	"github.com/albapepper/hoopcal/internal/store"
)

type emptyStore struct{}

func (emptyStore) ListSeasons(ctx context.Context) ([]store.Season, error) { return nil, nil }
func (emptyStore) ListCompetitions(ctx context.Context, seasonID string) ([]store.Competition, error) {
	return nil, nil
}
func (emptyStore) ListGroups(ctx context.Context, competitionID string) ([]store.Group, error) {
	return nil, nil
}
func (emptyStore) ListTeams(ctx context.Context, groupID string) ([]store.Team, error) {
	return nil, nil
}
func (emptyStore) FindMatches(ctx context.Context, filter store.MatchFilter) ([]store.Match, error) {
	return nil, nil
}
func (emptyStore) BulkReplace(ctx context.Context, snapshot store.Snapshot) error { return nil }
func (emptyStore) GetMetadata(ctx context.Context, key string) (string, bool, error) {
	return "", false, nil
}
func (emptyStore) SetMetadata(ctx context.Context, key, value string) error { return nil }
func (emptyStore) DatabaseSizeBytes(ctx context.Context) (*int64, error)    { return nil, nil }
func (emptyStore) Close() error                                            { return nil }

var _ store.Store = emptyStore{}

func testRouter() *chi.Mux {
	rc := refresh.New(func(ctx context.Context, onProgress func(scrape.Progress)) (scrape.Result, error) {
		return scrape.Result{}, nil
	}, time.Minute, time.Hour, nil)
	cfg := &config.Config{CORSAllowOrigins: []string{"*"}}
	return NewRouter(emptyStore{}, rc, cache.New(false), cfg, "test.hoopcal.local")
}

func TestNewRouter_RootAndHealth(t *testing.T) {
	r := testRouter()

	for _, path := range []string{"/", "/health/", "/health/cache"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("GET %s: status = %d", path, w.Code)
		}
	}
}

func TestNewRouter_CalendarFeed(t *testing.T) {
	r := testRouter()

	req := httptest.NewRequest(http.MethodGet, "/calendar.ics", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/calendar; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestNewRouter_RateLimitingWhenEnabled(t *testing.T) {
	rc := refresh.New(func(ctx context.Context, onProgress func(scrape.Progress)) (scrape.Result, error) {
		return scrape.Result{}, nil
	}, time.Minute, time.Hour, nil)
	cfg := &config.Config{
		CORSAllowOrigins:  []string{"*"},
		RateLimitEnabled:  true,
		RateLimitRequests: 1,
		RateLimitWindow:   time.Minute,
	}
	r := NewRouter(emptyStore{}, rc, cache.New(false), cfg, "test.hoopcal.local")

	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/health/", nil)
		req.RemoteAddr = "198.51.100.5:1234"
		return req
	}

	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, newReq())
	if w1.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", w1.Code)
	}

	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, newReq())
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", w2.Code)
	}
}
