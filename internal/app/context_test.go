package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"signoff/internal/config"
	"signoff/internal/domain"
)

func TestOpenStartDeliversEvents(t *testing.T) {
	var mu sync.Mutex
	var got []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(body, &env)
		mu.Lock()
		got = append(got, env.Type)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	cfg := config.Default()
	cfg.Notifications.PollIntervalMS = 20
	cfg.Notifications.Webhooks = []config.WebhookConfig{{Name: "test", URL: hook.URL, Events: []string{"member.*"}}}
	c, err := Open(Options{Workspace: t.TempDir(), Config: cfg, LogOut: io.Discard})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Fatalf("second start should fail")
	}

	// The first pass pins a new sink at the newest event, so keep writing
	// until one lands after it.
	deadline := time.Now().Add(5 * time.Second)
	for i := 0; time.Now().Before(deadline); i++ {
		if _, err := c.Engine.UpsertMember(context.Background(), domain.OrgMember{ID: "m" + string(rune('a'+i%26)), Active: true}, "tester"); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 {
		t.Fatalf("no webhook delivered")
	}
	for _, typ := range got {
		if typ != "member.upserted" {
			t.Fatalf("unexpected event delivered: %s", typ)
		}
	}
}

func TestSchedulerCanBeDisabled(t *testing.T) {
	cfg := config.Default()
	off := false
	cfg.Scheduler.Enabled = &off
	c, err := Open(Options{Workspace: t.TempDir(), Config: cfg, LogOut: io.Discard})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if c.scheduler != nil {
		t.Fatalf("scheduler should stay off")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
