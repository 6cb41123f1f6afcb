package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"bidline/internal/config"
	"bidline/internal/domain"
	"bidline/internal/engine"
	"bidline/internal/notify"
)

func TestOpenWithoutConfigUsesDefaults(t *testing.T) {
	ctx := context.Background()
	rt, err := Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close(ctx)
	if rt.Config.Settlement.CommissionBPS != config.Default().Settlement.CommissionBPS {
		t.Fatalf("expected default settlement config")
	}
	if _, ok := rt.Engine.Notifier.(notify.LogNotifier); !ok {
		t.Fatalf("expected log notifier, got %T", rt.Engine.Notifier)
	}
	if _, err := rt.Engine.PostJob(ctx, engine.PostJobOptions{OwnerID: "c-1", Price: 10}); err != nil {
		t.Fatalf("post job on migrated workspace: %v", err)
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(config.Path(dir), []byte("settlement:\n  payer: bank\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Open(context.Background(), dir); err == nil {
		t.Fatalf("expected invalid config error")
	}
}

func TestCloseDrainsWebhookNotifications(t *testing.T) {
	var (
		mu  sync.Mutex
		got []notify.Message
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg notify.Message
		_ = json.NewDecoder(r.Body).Decode(&msg)
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	}))
	defer hook.Close()

	dir := t.TempDir()
	yml := "notify:\n  webhook_url: " + hook.URL + "\n"
	if err := os.WriteFile(config.Path(dir), []byte(yml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	ctx := context.Background()
	rt, err := Open(ctx, dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := rt.Engine.PostJob(ctx, engine.PostJobOptions{
		OwnerID:          "c-1",
		Price:            10,
		Visibility:       domain.VisibilityPrivate,
		AllowedProviders: []string{"p-1", "p-2"},
	}); err != nil {
		t.Fatalf("post job: %v", err)
	}
	if err := rt.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected two invitations, got %d", len(got))
	}
	for _, msg := range got {
		if msg.Type != notify.TypeJobInvited {
			t.Fatalf("unexpected message %+v", msg)
		}
	}
}
