// Package query translates HTTP-style query parameters into store.Store
// filters (§4.F). It is the only place that understands the external
// calendar URL contract (season, competition, group_id, team, team_id,
// status); everything else works with typed store.MatchFilter values.
package query

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/albapepper/hoopcal/internal/store"
)

// InvalidFilterError is returned when a query parameter combination is
// malformed (§7 InvalidFilter). Callers must return this to the HTTP
// collaborator verbatim rather than log it as a server fault.
type InvalidFilterError struct {
	Reason string
}

func (e *InvalidFilterError) Error() string {
	return fmt.Sprintf("invalid filter: %s", e.Reason)
}

// Layer resolves query parameters against a Store (needed because the
// "season" parameter may be an id or a name, and only the store knows the
// mapping).
type Layer struct {
	Store store.Store
}

// New creates a query Layer over store.
func New(s store.Store) *Layer {
	return &Layer{Store: s}
}

// BuildFilter parses the calendar URL parameters into a store.MatchFilter.
// When both an id-based and a name-based parameter are present for the
// same dimension, the id wins (§4.F).
func (l *Layer) BuildFilter(ctx context.Context, q url.Values) (store.MatchFilter, error) {
	var filter store.MatchFilter

	if groupID := q.Get("group_id"); groupID != "" {
		filter.GroupID = groupID
	} else if competition := q.Get("competition"); competition != "" {
		filter.CompetitionName = competition
	}

	if teamID := q.Get("team_id"); teamID != "" {
		filter.TeamID = teamID
	} else if team := q.Get("team"); team != "" {
		filter.TeamName = team
	}

	if statusParam := q.Get("status"); statusParam != "" {
		status := store.MatchStatus(statusParam)
		switch status {
		case store.StatusNotStarted, store.StatusLive, store.StatusClosed:
			filter.Status = status
		default:
			return store.MatchFilter{}, &InvalidFilterError{Reason: fmt.Sprintf("unknown status %q", statusParam)}
		}
	}

	if seasonParam := q.Get("season"); seasonParam != "" {
		seasonID, err := l.resolveSeasonID(ctx, seasonParam)
		if err != nil {
			return store.MatchFilter{}, err
		}
		filter.SeasonID = seasonID
	}

	return filter, nil
}

// resolveSeasonID accepts either an exact season id, an exact
// case-insensitive name match, or a case-insensitive substring match, in
// that preference order, matching the id-wins / name-fallback rule applied
// to every other dimension.
func (l *Layer) resolveSeasonID(ctx context.Context, seasonParam string) (string, error) {
	seasons, err := l.Store.ListSeasons(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve season %q: %w", seasonParam, err)
	}
	if len(seasons) == 0 {
		// SnapshotEmpty (§7): an empty store has nothing to validate seasonParam
		// against yet. That is not a malformed filter — every downstream query
		// naturally yields zero matches, so resolve to the unfiltered case
		// instead of rejecting the request.
		return "", nil
	}

	for _, s := range seasons {
		if s.ID == seasonParam {
			return s.ID, nil
		}
	}
	for _, s := range seasons {
		if strings.EqualFold(s.Name, seasonParam) {
			return s.ID, nil
		}
	}
	lower := strings.ToLower(seasonParam)
	for _, s := range seasons {
		if strings.Contains(strings.ToLower(s.Name), lower) {
			return s.ID, nil
		}
	}
	return "", &InvalidFilterError{Reason: fmt.Sprintf("unknown season %q", seasonParam)}
}

// FindMatches resolves q and runs findMatches against the store.
func (l *Layer) FindMatches(ctx context.Context, q url.Values) ([]store.Match, error) {
	filter, err := l.BuildFilter(ctx, q)
	if err != nil {
		return nil, err
	}
	return l.Store.FindMatches(ctx, filter)
}

// ListTeamsForGroup returns the deduplicated set of home/away teams
// appearing in groupID's matches, sorted by name (§4.F).
func (l *Layer) ListTeamsForGroup(ctx context.Context, groupID string) ([]store.Team, error) {
	return l.Store.ListTeams(ctx, groupID)
}
