package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"carebrain/internal/config"
	"carebrain/internal/domain"
	"carebrain/internal/engine"
	"carebrain/internal/repo"
)

const (
	defaultFeedInterval = 2 * time.Second
	defaultFeedTimeout  = 5 * time.Second
	defaultFeedBatch    = 100
)

// feedDispatcher forwards new timeline events to the configured feeds.
// Each feed keeps its own cursor and retries from it after a failed
// delivery, so events reach a feed in sequence order at least once.
type feedDispatcher struct {
	engine  engine.Engine
	feeds   []config.Feed
	client  *http.Client
	logger  *slog.Logger
	mu      sync.Mutex
	cursors map[string]int64
}

// StartFeeds launches the dispatcher when feeds are configured. It stops
// when ctx is done.
func StartFeeds(ctx context.Context, e engine.Engine, logger *slog.Logger) {
	if e.Config == nil || len(e.Config.Feeds) == 0 {
		return
	}
	d := newFeedDispatcher(e, e.Config.Feeds, logger)
	go d.run(ctx, defaultFeedInterval)
}

func newFeedDispatcher(e engine.Engine, feeds []config.Feed, logger *slog.Logger) *feedDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &feedDispatcher{
		engine:  e,
		feeds:   feeds,
		client:  &http.Client{Timeout: defaultFeedTimeout},
		logger:  logger,
		cursors: make(map[string]int64),
	}
}

func (d *feedDispatcher) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *feedDispatcher) dispatchAll(ctx context.Context) {
	if len(d.feeds) == 0 {
		return
	}
	p := pool.New().WithMaxGoroutines(len(d.feeds))
	for _, feed := range d.feeds {
		if strings.TrimSpace(feed.URL) == "" {
			continue
		}
		p.Go(func() {
			d.dispatchFeed(ctx, feed)
		})
	}
	p.Wait()
}

func (d *feedDispatcher) dispatchFeed(ctx context.Context, feed config.Feed) {
	cursor := d.cursorFor(ctx, feed.ID)
	events, err := d.engine.Timeline(ctx, repo.TimelineFilter{AfterSeq: cursor, Limit: defaultFeedBatch})
	if err != nil {
		d.logger.Warn("feed: fetch events failed", "feed", feed.ID, "error", err)
		return
	}
	filter := newEventFilter(feed.EventTypes)
	for _, evt := range events {
		if !filter.match(evt.EventType) {
			d.setCursor(feed.ID, evt.Seq)
			continue
		}
		if err := d.postEvent(ctx, feed, evt); err != nil {
			d.logger.Warn("feed: delivery failed", "feed", feed.ID, "seq", evt.Seq, "error", err)
			return
		}
		d.setCursor(feed.ID, evt.Seq)
	}
}

// cursorFor starts a feed at the current end of the timeline the first
// time it is seen.
func (d *feedDispatcher) cursorFor(ctx context.Context, id string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[id]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestTimelineSeq(ctx, nil)
	if err != nil {
		d.logger.Warn("feed: init cursor failed", "feed", id, "error", err)
		cur = 0
	}
	d.cursors[id] = cur
	return cur
}

func (d *feedDispatcher) setCursor(id string, value int64) {
	d.mu.Lock()
	d.cursors[id] = value
	d.mu.Unlock()
}

func (d *feedDispatcher) postEvent(ctx context.Context, feed config.Feed, evt domain.TimelineEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, feed.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Carebrain-Event", evt.EventType)
	req.Header.Set("X-Carebrain-Delivery", strconv.FormatInt(evt.Seq, 10))
	req.Header.Set("X-Carebrain-Correlation-Id", evt.CorrelationID)
	if strings.TrimSpace(feed.Secret) != "" {
		req.Header.Set("X-Carebrain-Signature", signPayload(feed.Secret, data))
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// signPayload returns the hex HMAC-SHA256 of body, prefixed with sha256=.
func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
