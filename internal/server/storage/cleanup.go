package storage

import (
	"context"
	"log/slog"
	"time"

	"assetboard/internal/server/session"
)

// CleanupService periodically removes idle sessions together with the
// files their posts reference.
type CleanupService struct {
	sessions *session.Manager
	store    Store
	interval time.Duration
	now      func() time.Time
	done     chan struct{}
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(sessions *session.Manager, store Store, interval time.Duration) *CleanupService {
	return &CleanupService{
		sessions: sessions,
		store:    store,
		interval: interval,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start begins the cleanup loop in a background goroutine.
func (cs *CleanupService) Start(ctx context.Context) {
	slog.Info("cleanup service started", "interval", cs.interval)

	go func() {
		ticker := time.NewTicker(cs.interval)
		defer ticker.Stop()

		// Run once immediately on start
		cs.runCleanup(ctx)

		for {
			select {
			case <-ticker.C:
				cs.runCleanup(ctx)
			case <-ctx.Done():
				slog.Info("cleanup service stopping")
				close(cs.done)
				return
			}
		}
	}()
}

// Wait blocks until the cleanup service has fully stopped.
func (cs *CleanupService) Wait() {
	<-cs.done
}

func (cs *CleanupService) runCleanup(ctx context.Context) {
	cutoff := cs.now().Add(-cs.sessions.IdleTimeout())

	idle, err := cs.sessions.Store().IdleSince(ctx, cutoff)
	if err != nil {
		slog.Error("failed to list idle sessions", "error", err)
		return
	}

	if len(idle) == 0 {
		slog.Debug("no idle sessions to clean up")
		return
	}

	var cleaned, failed, files int
	for _, id := range idle {
		removed, err := cs.sessions.Expire(ctx, id, cutoff, func(s *session.Session) {
			files += cs.removeFiles(s)
		})
		if err != nil {
			slog.Error("failed to expire session",
				"session_id", id,
				"error", err,
			)
			failed++
			continue
		}
		if removed {
			cleaned++
		}
	}

	slog.Info("cleanup cycle complete",
		"cleaned", cleaned,
		"failed", failed,
		"files_removed", files,
		"total_idle", len(idle),
	)
}

func (cs *CleanupService) removeFiles(s *session.Session) int {
	var removed int
	for _, post := range s.Posts {
		for _, key := range []string{post.AssetFile, post.ImageFile} {
			if key == "" {
				continue
			}
			if err := cs.store.Delete(key); err != nil {
				slog.Error("failed to delete file",
					"session_id", s.ID,
					"post_id", post.ID,
					"key", key,
					"error", err,
				)
				continue
			}
			removed++
		}
	}
	return removed
}
