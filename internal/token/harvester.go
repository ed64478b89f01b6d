// Package token drives a headless browser to harvest a short-lived bearer
// token from the widget host page (§4.C). It is the only package in this
// module aware that a browser exists; internal/upstream and internal/scrape
// never import chromedp directly.
//
// The request/response shape mirrors internal/provider/bdl/client.go's
// Client (logger field, single entry point, truncated error bodies); the
// single-flight coalescing of concurrent acquisitions is the idiomatic
// golang.org/x/sync/singleflight pattern already present as an indirect
// dependency of the wider example pack.
package token

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/singleflight"
)

// TokenAcquisitionFailed signals the browser driver timed out or the
// widget page never issued a request to the upstream host (§7).
type TokenAcquisitionFailed struct {
	Reason string
}

func (e *TokenAcquisitionFailed) Error() string {
	return fmt.Sprintf("token acquisition failed: %s", e.Reason)
}

// Token is the harvested credential. Tokens are opaque and short-lived;
// expiry is detected reactively by the upstream returning 401, never
// predicted from AcquiredAt (§4.C).
type Token struct {
	Value      string
	Origin     string
	AcquiredAt time.Time
}

// Harvester launches a headless browser on demand and tears it down on
// every exit path, including timeout and cancellation.
type Harvester struct {
	widgetURL   string
	upstreamHost string
	headless    bool
	logger      *slog.Logger

	group singleflight.Group
}

// New creates a Harvester. upstreamHost is the hostname (no scheme) whose
// responses the harvester watches for an Authorization header.
func New(widgetURL, upstreamHost string, headless bool, logger *slog.Logger) *Harvester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Harvester{
		widgetURL:    widgetURL,
		upstreamHost: upstreamHost,
		headless:     headless,
		logger:       logger,
	}
}

// AcquireToken obtains a fresh bearer token, launching a headless browser
// instance scoped to this call. Concurrent callers share the single
// in-flight acquisition (§4.C, §5).
func (h *Harvester) AcquireToken(ctx context.Context, timeout time.Duration) (*Token, error) {
	result, err, _ := h.group.Do("acquire", func() (interface{}, error) {
		return h.acquireOnce(ctx, timeout)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Token), nil
}

func (h *Harvester) acquireOnce(parent context.Context, timeout time.Duration) (*Token, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Headless)
	if !h.headless {
		opts = append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	// Teardown on every exit path, including a panic unwinding through
	// this function, matches §4.C's "scoped: started on entry, torn down
	// on all exit paths" requirement.
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic during token acquisition", "recover", r)
			browserCancel()
			allocCancel()
			panic(r)
		}
	}()

	tokenCh := make(chan string, 1)
	var originOnce sync.Once
	origin := h.widgetOrigin()

	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		reqEv, ok := ev.(*network.EventRequestWillBeSent)
		if !ok {
			return
		}
		reqURL := reqEv.Request.URL
		if !strings.Contains(reqURL, h.upstreamHost) {
			return
		}
		auth, ok := reqEv.Request.Headers["Authorization"]
		if !ok {
			return
		}
		authStr, ok := auth.(string)
		if !ok || authStr == "" {
			return
		}
		originOnce.Do(func() {
			select {
			case tokenCh <- authStr:
			default:
			}
		})
	})

	if err := chromedp.Run(browserCtx,
		network.Enable(),
		chromedp.Navigate(h.widgetURL),
	); err != nil {
		return nil, &TokenAcquisitionFailed{Reason: fmt.Sprintf("navigate to widget: %v", err)}
	}

	select {
	case authHeader := <-tokenCh:
		return &Token{
			Value:      strings.TrimPrefix(authHeader, "Bearer "),
			Origin:     origin,
			AcquiredAt: time.Now().UTC(),
		}, nil
	case <-ctx.Done():
		return nil, &TokenAcquisitionFailed{Reason: "timed out waiting for an authenticated upstream request"}
	}
}

func (h *Harvester) widgetOrigin() string {
	u := h.widgetURL
	if idx := strings.Index(u, "://"); idx >= 0 {
		u = u[idx+3:]
	}
	if idx := strings.IndexAny(u, "/?"); idx >= 0 {
		u = u[:idx]
	}
	scheme := "https"
	if strings.HasPrefix(h.widgetURL, "http://") {
		scheme = "http"
	}
	return scheme + "://" + u
}
