package toolsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/cache"
	"github.com/parleyhq/parley/internal/projection"
)

// WatchBus adapts the pub/sub bus to the server's Updates hook: one signal
// per tools_updated message, payload discarded because the stream re-reads
// the catalog anyway.
func WatchBus(bus cache.Bus) func(ctx context.Context) (<-chan struct{}, func(), error) {
	return func(ctx context.Context) (<-chan struct{}, func(), error) {
		msgs, cancel, err := bus.Subscribe(ctx, projection.TopicToolsUpdated)
		if err != nil {
			return nil, nil, err
		}
		out := make(chan struct{}, 1)
		go func() {
			defer close(out)
			for range msgs {
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}()
		return out, cancel, nil
	}
}

// handleSSE streams the caller's tool list: connected, then an initial
// tool_list, then heartbeats and a fresh tool_list after every catalog
// change.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	claims, _ := auth.ClaimsFromContext(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, flusher, "connected", map[string]string{"subject": claims.Subject()}); err != nil {
		return
	}
	if err := s.pushToolList(r.Context(), w, flusher, claims); err != nil {
		return
	}

	var updates <-chan struct{}
	if s.updates != nil {
		ch, cancel, err := s.updates(r.Context())
		if err != nil {
			_ = writeEvent(w, flusher, "error", map[string]string{"error": "catalog updates unavailable"})
			s.logError(r.Context(), "sse update subscription failed", err)
		} else {
			defer cancel()
			updates = ch
		}
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := writeEvent(w, flusher, "heartbeat", map[string]int64{"ts": time.Now().Unix()}); err != nil {
				return
			}
		case _, open := <-updates:
			if !open {
				updates = nil
				continue
			}
			if err := s.pushToolList(r.Context(), w, flusher, claims); err != nil {
				return
			}
		}
	}
}

func (s *Server) pushToolList(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, claims auth.Claims) error {
	groups, err := s.resolver.Resolve(ctx, claims, false)
	if err != nil {
		s.logError(ctx, "access resolution failed", err)
		return writeEvent(w, flusher, "error", map[string]string{"error": "access resolution failed"})
	}
	manifests := s.catalog.ManifestFor(groups)
	return writeEvent(w, flusher, "tool_list", map[string]any{
		"tools": manifests,
		"count": len(manifests),
	})
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
