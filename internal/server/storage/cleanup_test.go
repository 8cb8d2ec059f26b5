package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"assetboard/internal/server/models"
	"assetboard/internal/server/session"
)

func TestCleanupService_RemovesIdleSessions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	store := NewFileSystemStore(t.TempDir())
	if err := store.EnsureDir(); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"1_old.rbxm", "images/1_old.png", "2_fresh.lua"} {
		if _, err := store.Save(key, strings.NewReader("data")); err != nil {
			t.Fatal(err)
		}
	}

	sessionStore := session.NewMemoryStore()
	manager := session.NewManager(sessionStore, 24*time.Minute, session.WithClock(func() time.Time { return now }))

	old := session.New("old", now.Add(-time.Hour))
	old.Posts = append(old.Posts, models.Post{ID: "p1", AssetFile: "1_old.rbxm", ImageFile: "images/1_old.png"})
	fresh := session.New("fresh", now.Add(-time.Minute))
	fresh.Posts = append(fresh.Posts, models.Post{ID: "p2", AssetFile: "2_fresh.lua"})

	// Put directly so UpdatedAt is kept as set above
	if err := sessionStore.Put(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := sessionStore.Put(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	cs := NewCleanupService(manager, store, time.Hour)
	cs.now = func() time.Time { return now }
	cs.runCleanup(ctx)

	if _, err := sessionStore.Get(ctx, "old"); err == nil {
		t.Error("expected idle session to be removed")
	}
	if _, err := sessionStore.Get(ctx, "fresh"); err != nil {
		t.Errorf("expected active session to survive: %v", err)
	}
	if store.Exists("1_old.rbxm") || store.Exists("images/1_old.png") {
		t.Error("expected files of the idle session to be removed")
	}
	if !store.Exists("2_fresh.lua") {
		t.Error("expected files of the active session to survive")
	}
}

func TestCleanupService_StartStop(t *testing.T) {
	manager := session.NewManager(session.NewMemoryStore(), time.Minute)
	cs := NewCleanupService(manager, NewFileSystemStore(t.TempDir()), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cs.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		cs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cleanup service did not stop")
	}
}
