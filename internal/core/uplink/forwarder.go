// Package uplink drains the hit store to the collector endpoint.
//
// The forwarder polls for queued hits and POSTs each request body as a
// form-encoded payload. Terminal responses (2xx accepted, 4xx permanently
// rejected) delete the hit; 5xx and transport errors retain it for the
// next poll. Held hits never appear in batches, so enrichment and
// transmission cannot race.
package uplink

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/solatis/hitkeeper/internal/core/config"
	"github.com/solatis/hitkeeper/internal/core/hitstore"
)

const requestTimeout = 30 * time.Second

// Forwarder manages the drain loop lifecycle.
type Forwarder struct {
	store  *hitstore.Store
	cfg    *config.AnalyticsConfig
	log    *slog.Logger
	client *http.Client
	stop   chan struct{}
	done   chan struct{}
}

// New creates a forwarder over the store.
func New(store *hitstore.Store, cfg *config.AnalyticsConfig, log *slog.Logger) (*Forwarder, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("cfg cannot be nil")
	}
	if cfg.CollectorURL == "" {
		return nil, fmt.Errorf("collector URL not configured")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Forwarder{
		store:  store,
		cfg:    cfg,
		log:    log.With("component", "uplink"),
		client: &http.Client{Timeout: requestTimeout},
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start runs the drain loop until Shutdown is called or ctx is canceled.
// Blocks; run it on its own goroutine.
func (f *Forwarder) Start(ctx context.Context) error {
	defer close(f.done)

	ticker := time.NewTicker(f.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.drain(ctx)
		}
	}
}

// Shutdown stops the loop after the in-flight batch completes.
func (f *Forwarder) Shutdown(ctx context.Context) error {
	close(f.stop)
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown cancelled by context: %w", ctx.Err())
	}
}

// drain transmits one batch. Per-hit failures are logged and retained;
// a store error aborts the batch until the next tick.
func (f *Forwarder) drain(ctx context.Context) {
	hits, err := f.store.NextBatch(ctx, f.cfg.BatchSize)
	if err != nil {
		f.log.Warn("failed to fetch hit batch", "err", err)
		return
	}

	for _, hit := range hits {
		retain, err := f.send(ctx, hit.RequestBody)
		if err != nil {
			f.log.Warn("failed to send hit", "hitID", string(hit.ID), "err", err)
		}
		if retain {
			continue
		}
		if err := f.store.Delete(ctx, hit.ID); err != nil {
			f.log.Warn("failed to delete transmitted hit", "hitID", string(hit.ID), "err", err)
		}
	}
}

// send POSTs one hit body. Returns retain=true when the hit should stay
// queued for retry (transport error or 5xx).
func (f *Forwarder) send(ctx context.Context, body string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.CollectorURL, strings.NewReader(body))
	if err != nil {
		return true, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The collector rejected the hit; retrying cannot succeed.
		return false, fmt.Errorf("collector rejected hit: %s", resp.Status)
	default:
		return true, fmt.Errorf("collector unavailable: %s", resp.Status)
	}
}
