// Package upstream is a stateless HTTP client for the third-party
// basketball JSON API. Every call carries the bearer token and Origin
// header harvested by internal/token; the client itself never touches a
// browser.
//
// Grounded on internal/provider/bdl/client.go: the same Client field
// layout (httpClient, baseURL, rate limiter, logger), the same
// rate-limited request helper, and the same truncated-body error
// formatting for non-2xx responses.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// AuthExpired signals the upstream rejected the current bearer token (HTTP
// 401). The scrape orchestrator recovers by requesting a fresh token and
// retrying once (§4.B, §4.D step 7).
var AuthExpired = errors.New("upstream: token expired")

// UpstreamRejected wraps a non-401 4xx response.
type UpstreamRejected struct {
	Status int
	Body   string
}

func (e *UpstreamRejected) Error() string {
	return fmt.Sprintf("upstream rejected request: %d: %s", e.Status, e.Body)
}

// UpstreamUnreachable wraps a network-level failure surviving all retries.
type UpstreamUnreachable struct {
	Err error
}

func (e *UpstreamUnreachable) Error() string {
	return fmt.Sprintf("upstream unreachable: %v", e.Err)
}

func (e *UpstreamUnreachable) Unwrap() error { return e.Err }

// Client is the stateless upstream API wrapper. A new Token must be
// supplied by the caller on every AuthExpired; the client holds no token
// state of its own.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// New creates an upstream client. requestsPerSecond bounds outbound call
// rate independent of the scrape orchestrator's own concurrency limit.
func New(baseURL string, requestsPerSecond float64, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 4),
		logger:     logger,
	}
}

// Credentials bundles the bearer token and Origin header harvested by
// internal/token; both are required or the upstream refuses the request
// (§4.B).
type Credentials struct {
	Token  string
	Origin string
}

// RawSeason, RawCompetition, RawGroup, RawRound, RawMatch, RawStandings
// mirror the upstream's loosely-typed JSON shapes. Unknown fields are
// preserved by re-marshaling the raw body rather than by a generic map,
// so each typed field used for indexing is still validated at decode time.

type RawGroup struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

type RawCompetition struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Groups []RawGroup      `json:"groups"`
	Raw    json.RawMessage `json:"-"`
}

type RawSeason struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	StartDate string          `json:"startDate"`
	EndDate   string          `json:"endDate"`
	Raw       json.RawMessage `json:"-"`
}

type RawTeam struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	LogoURL *string `json:"logoUrl"`
}

type RawMatch struct {
	ID        string          `json:"id"`
	HomeTeam  *RawTeam        `json:"homeTeam"`
	AwayTeam  *RawTeam        `json:"awayTeam"`
	Date      string          `json:"date"`
	Status    string          `json:"status"`
	HomeScore *int            `json:"homeScore"`
	AwayScore *int            `json:"awayScore"`
	Venue     *string         `json:"venue"`
	Address   *string         `json:"venueAddress"`
	Raw       json.RawMessage `json:"-"`
}

type RawRound struct {
	Matches []RawMatch `json:"matches"`
}

type RawCalendar struct {
	Rounds []RawRound `json:"rounds"`
}

type RawStandings struct {
	Raw json.RawMessage `json:"-"`
}

// ListSeasons calls GET /seasons.
func (c *Client) ListSeasons(ctx context.Context, creds Credentials) ([]RawSeason, error) {
	body, err := c.get(ctx, creds, "/seasons", nil)
	if err != nil {
		return nil, err
	}
	var seasons []RawSeason
	if err := decodeWithRaw(body, &seasons, func(s *RawSeason, raw json.RawMessage) { s.Raw = raw }); err != nil {
		return nil, fmt.Errorf("decode seasons: %w", err)
	}
	return seasons, nil
}

// ListCompetitions calls GET /competitions?seasonId=….
func (c *Client) ListCompetitions(ctx context.Context, creds Credentials, seasonID string) ([]RawCompetition, error) {
	body, err := c.get(ctx, creds, "/competitions", url.Values{"seasonId": {seasonID}})
	if err != nil {
		return nil, err
	}
	var competitions []RawCompetition
	if err := decodeWithRaw(body, &competitions, func(c *RawCompetition, raw json.RawMessage) { c.Raw = raw }); err != nil {
		return nil, fmt.Errorf("decode competitions: %w", err)
	}
	return competitions, nil
}

// GetCalendar calls GET /calendar?groupId=….
func (c *Client) GetCalendar(ctx context.Context, creds Credentials, groupID string) (*RawCalendar, error) {
	body, err := c.get(ctx, creds, "/calendar", url.Values{"groupId": {groupID}})
	if err != nil {
		return nil, err
	}
	var calendar RawCalendar
	if err := json.Unmarshal(body, &calendar); err != nil {
		return nil, fmt.Errorf("decode calendar: %w", err)
	}
	// Each match's raw bytes are recovered by re-decoding into a generic
	// shape, mirroring internal/provider/extract.go's defensive handling
	// of loosely-typed upstream payloads.
	var rawShape struct {
		Rounds []struct {
			Matches []json.RawMessage `json:"matches"`
		} `json:"rounds"`
	}
	if err := json.Unmarshal(body, &rawShape); err == nil {
		for ri, round := range rawShape.Rounds {
			if ri >= len(calendar.Rounds) {
				break
			}
			for mi, raw := range round.Matches {
				if mi >= len(calendar.Rounds[ri].Matches) {
					break
				}
				calendar.Rounds[ri].Matches[mi].Raw = raw
			}
		}
	}
	return &calendar, nil
}

// GetStandings calls GET /standings?groupId=… and returns the raw body.
// The scrape orchestrator discards the result; standings are not stored.
func (c *Client) GetStandings(ctx context.Context, creds Credentials, groupID string) (*RawStandings, error) {
	body, err := c.get(ctx, creds, "/standings", url.Values{"groupId": {groupID}})
	if err != nil {
		return nil, err
	}
	return &RawStandings{Raw: body}, nil
}

// get performs a rate-limited GET with up to 3 attempts on 5xx/network
// failure, exponential back-off starting at 500ms, and typed error
// classification on non-2xx responses.
func (c *Client) get(ctx context.Context, creds Credentials, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	const maxAttempts = 3
	backoff := 500 * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}

		body, status, err := c.doRequest(ctx, u, creds)
		if err != nil {
			lastErr = &UpstreamUnreachable{Err: err}
			c.logger.Warn("upstream request failed", "path", path, "attempt", attempt, "error", err)
			time.Sleep(backoff)
			backoff *= 2
			continue
		}

		switch {
		case status == http.StatusUnauthorized:
			return nil, AuthExpired
		case status >= 500:
			lastErr = &UpstreamUnreachable{Err: fmt.Errorf("status %d: %s", status, truncate(body, 200))}
			c.logger.Warn("upstream server error", "path", path, "attempt", attempt, "status", status)
			time.Sleep(backoff)
			backoff *= 2
			continue
		case status >= 400:
			return nil, &UpstreamRejected{Status: status, Body: truncate(body, 200)}
		default:
			return body, nil
		}
	}
	return nil, lastErr
}

func (c *Client) doRequest(ctx context.Context, u string, creds Credentials) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.Token)
	req.Header.Set("Origin", creds.Origin)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}

func truncate(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[:maxLen]) + "..."
}

// decodeWithRaw unmarshals body into a slice of T, then re-walks the JSON
// array to attach each element's raw bytes via attach, preserving
// forward-compatible fields the typed struct drops (§9 "dynamic JSON rows
// → tagged variants").
func decodeWithRaw[T any](body []byte, out *[]T, attach func(*T, json.RawMessage)) error {
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	var rawItems []json.RawMessage
	if err := json.Unmarshal(body, &rawItems); err != nil {
		return nil // typed decode already succeeded; raw preservation is best-effort
	}
	for i := range *out {
		if i < len(rawItems) {
			attach(&(*out)[i], rawItems[i])
		}
	}
	return nil
}
