// Package handler implements the HTTP operations the core exposes to its
// router collaborator (§6): season/competition/team listings, filtered
// match queries, ICS generation, cache info, and refresh control.
//
// Doc-comment density and the swaggo annotation style mirror the teacher's
// internal/api/handler/handler.go and bootstrap.go.
package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/albapepper/hoopcal/internal/api/respond"
	"github.com/albapepper/hoopcal/internal/cache"
	"github.com/albapepper/hoopcal/internal/config"
	"github.com/albapepper/hoopcal/internal/ics"
	"github.com/albapepper/hoopcal/internal/query"
	"github.com/albapepper/hoopcal/internal/refresh"
	"github.com/albapepper/hoopcal/internal/store"
)

// Handler holds every dependency the HTTP operations need.
type Handler struct {
	store          store.Store
	query          *query.Layer
	refresh        *refresh.Controller
	cache          *cache.Cache
	cfg            *config.Config
	hostIdentifier string
}

// New creates a Handler.
func New(s store.Store, q *query.Layer, rc *refresh.Controller, c *cache.Cache, cfg *config.Config, hostIdentifier string) *Handler {
	return &Handler{store: s, query: q, refresh: rc, cache: c, cfg: cfg, hostIdentifier: hostIdentifier}
}

// Root godoc
// @Summary Root
// @Success 200 {object} map[string]string
// @Router / [get]
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSON(w, map[string]string{"service": "hoopcal"}, 0)
}

// HealthCheck godoc
// @Summary Liveness probe
// @Success 200 {object} map[string]string
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSON(w, map[string]string{"status": "ok"}, 0)
}

// HealthCheckStore godoc
// @Summary Store connectivity check
// @Success 200 {object} map[string]string
// @Failure 503 {object} respond.ErrorResponse
// @Router /health/store [get]
func (h *Handler) HealthCheckStore(w http.ResponseWriter, r *http.Request) {
	if _, _, err := h.store.GetMetadata(r.Context(), store.MetaSchemaVersion); err != nil {
		respond.WriteErrorDetail(w, http.StatusServiceUnavailable, "StoreUnavailable", err.Error())
		return
	}
	respond.WriteJSON(w, map[string]string{"status": "ok"}, 0)
}

// HealthCheckCache godoc
// @Summary Cache diagnostics
// @Success 200 {object} map[string]interface{}
// @Router /health/cache [get]
func (h *Handler) HealthCheckCache(w http.ResponseWriter, r *http.Request) {
	count, enabled := h.cache.Stats()
	respond.WriteJSON(w, map[string]interface{}{"entries": count, "enabled": enabled}, 0)
}

// ListSeasons godoc
// @Summary List seasons
// @Success 200 {array} store.Season
// @Router /api/v1/seasons [get]
func (h *Handler) ListSeasons(w http.ResponseWriter, r *http.Request) {
	seasons, err := h.store.ListSeasons(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	respond.WriteJSON(w, seasons, cache.TTLEntityList)
}

// ListCompetitions godoc
// @Summary List competitions for a season, with nested groups
// @Param seasonId query string true "Season id"
// @Success 200 {array} store.Competition
// @Router /api/v1/competitions [get]
func (h *Handler) ListCompetitions(w http.ResponseWriter, r *http.Request) {
	seasonID := r.URL.Query().Get("seasonId")
	if seasonID == "" {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "InvalidFilter", "seasonId is required")
		return
	}
	competitions, err := h.store.ListCompetitions(r.Context(), seasonID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	respond.WriteJSON(w, competitions, cache.TTLEntityList)
}

// ListTeamsForGroup godoc
// @Summary List the distinct teams appearing in a group's matches
// @Param groupID path string true "Group id"
// @Success 200 {array} store.Team
// @Router /api/v1/groups/{groupID}/teams [get]
func (h *Handler) ListTeamsForGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	teams, err := h.query.ListTeamsForGroup(r.Context(), groupID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	respond.WriteJSON(w, teams, cache.TTLEntityList)
}

// FindMatches godoc
// @Summary Filtered match search (JSON preview of the calendar)
// @Param season query string false "Season id or name"
// @Param competition query string false "Competition name substring"
// @Param group_id query string false "Exact group id"
// @Param team query string false "Team name substring"
// @Param team_id query string false "Exact team id"
// @Param status query string false "NOT_STARTED, LIVE, or CLOSED"
// @Success 200 {array} store.Match
// @Failure 400 {object} respond.ErrorResponse
// @Router /api/v1/matches [get]
func (h *Handler) FindMatches(w http.ResponseWriter, r *http.Request) {
	matches, err := h.query.FindMatches(r.Context(), r.URL.Query())
	if err != nil {
		writeQueryError(w, err)
		return
	}
	respond.WriteJSON(w, matches, cache.TTLEntityList)
}

// CalendarICS godoc
// @Summary Generate an RFC-5545 calendar feed for the matching filter
// @Param season query string false "Season id or name"
// @Param competition query string false "Competition name substring"
// @Param group_id query string false "Exact group id"
// @Param team query string false "Team name substring"
// @Param team_id query string false "Exact team id"
// @Param status query string false "NOT_STARTED, LIVE, or CLOSED"
// @Param mode query string false "fan (default) or player"
// @Param prep query int false "Player-mode preparation offset in minutes, 0-240"
// @Param tz query string false "IANA time zone identifier"
// @Success 200 {string} string "text/calendar document"
// @Failure 400 {object} respond.ErrorResponse
// @Router /calendar.ics [get]
func (h *Handler) CalendarICS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter, err := h.query.BuildFilter(r.Context(), q)
	if err != nil {
		writeQueryError(w, err)
		return
	}

	mode := ics.ModeFan
	if m := q.Get("mode"); m == string(ics.ModePlayer) {
		mode = ics.ModePlayer
	}

	prep := 0
	if p := q.Get("prep"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 240 {
			respond.WriteErrorDetail(w, http.StatusBadRequest, "InvalidFilter", "prep must be an integer between 0 and 240")
			return
		}
		prep = n
	}

	tz := q.Get("tz")

	matches, err := h.store.FindMatches(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	store.SortMatches(matches)

	document, err := ics.Generate(matches, ics.Options{
		AppTitle:         "hoopcal",
		HostIdentifier:   h.hostIdentifier,
		CompetitionLabel: filter.CompetitionName,
		TeamLabel:        filter.TeamName,
		Mode:             mode,
		PrepMinutes:      prep,
		TimeZone:         tz,
	})
	if err != nil {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "InvalidFilter", err.Error())
		return
	}

	etag := cache.ComputeETag([]byte(document))
	if cache.CheckETagMatch(r.Header.Get("If-None-Match"), etag) {
		respond.WriteNotModified(w, etag)
		return
	}
	respond.WriteICS(w, document, etag)
}

// CacheInfoResponse is the §6 "cache info" operation's output shape.
type CacheInfoResponse struct {
	Exists      bool    `json:"exists"`
	Stale       bool    `json:"stale"`
	LastUpdated *string `json:"lastUpdated,omitempty"`
	SizeBytes   *int64  `json:"sizeBytes,omitempty"`
	SizeHuman   *string `json:"sizeHuman,omitempty"`
}

// CacheInfo godoc
// @Summary Report whether a scrape has completed since this process started and whether that data is stale
// @Success 200 {object} handler.CacheInfoResponse
// @Router /api/v1/cache-info [get]
func (h *Handler) CacheInfo(w http.ResponseWriter, r *http.Request) {
	lastCompleted := h.refresh.LastCompletedAt()
	resp := CacheInfoResponse{
		Exists: lastCompleted != nil,
		Stale:  h.refresh.IsStale(),
	}
	if lastCompleted != nil {
		s := lastCompleted.UTC().Format(time.RFC3339)
		resp.LastUpdated = &s
	}
	if size, err := h.store.DatabaseSizeBytes(r.Context()); err == nil && size != nil {
		resp.SizeBytes = size
		human := humanize.Bytes(uint64(*size))
		resp.SizeHuman = &human
	}
	respond.WriteJSON(w, resp, cache.TTLCacheInfo)
}

// RequestRefreshResponse is the §6 "request refresh" operation's output shape.
type RequestRefreshResponse struct {
	Outcome    string `json:"outcome"`
	RetryAfter *int   `json:"retryAfter,omitempty"`
}

// RequestRefresh godoc
// @Summary Request a manual scrape, subject to the refresh cooldown
// @Success 200 {object} handler.RequestRefreshResponse
// @Router /api/v1/refresh [post]
func (h *Handler) RequestRefresh(w http.ResponseWriter, r *http.Request) {
	result := h.refresh.RequestRefresh(r.Context())
	resp := RequestRefreshResponse{Outcome: string(result.Outcome)}
	if result.Outcome == refresh.RefreshRateLimited {
		seconds := int(result.RetryAfter.Seconds())
		resp.RetryAfter = &seconds
	}
	respond.WriteJSON(w, resp, 0)
}

// RefreshStatusResponse is the §6 "refresh status" operation's output shape.
type RefreshStatusResponse struct {
	IsScraping  bool    `json:"isScraping"`
	LastError   *string `json:"lastError,omitempty"`
	GroupsDone  int     `json:"groupsDone"`
	GroupsTotal int     `json:"groupsTotal"`
}

// RefreshStatus godoc
// @Summary Report current scrape progress and the last error, if any
// @Success 200 {object} handler.RefreshStatusResponse
// @Router /api/v1/refresh/status [get]
func (h *Handler) RefreshStatus(w http.ResponseWriter, r *http.Request) {
	progress := h.refresh.Progress()
	resp := RefreshStatusResponse{
		IsScraping:  h.refresh.IsScraping(),
		GroupsDone:  progress.GroupsDone,
		GroupsTotal: progress.GroupsTotal,
	}
	if lastErr := h.refresh.LastError(); lastErr != "" {
		resp.LastError = &lastErr
	}
	respond.WriteJSON(w, resp, 0)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrUnavailable) {
		respond.WriteErrorDetail(w, http.StatusServiceUnavailable, "StoreUnavailable", err.Error())
		return
	}
	respond.WriteErrorDetail(w, http.StatusInternalServerError, "StoreUnavailable", err.Error())
}

func writeQueryError(w http.ResponseWriter, err error) {
	var invalid *query.InvalidFilterError
	if errors.As(err, &invalid) {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "InvalidFilter", err.Error())
		return
	}
	writeStoreError(w, err)
}
