package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signoff/internal/config"
	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/events"
	"signoff/internal/migrate"
	"signoff/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))
	return repo.Repo{DB: conn, Dialect: dialect}
}

func appendEvent(t *testing.T, r repo.Repo, evtType string, payload events.Payload) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	w := events.Writer{Dialect: r.Dialect}
	require.NoError(t, w.Append(ctx, tx, evtType, "instance", "req-1", "emp", payload))
	require.NoError(t, tx.Commit())
}

type hookServer struct {
	mu       sync.Mutex
	headers  []http.Header
	bodies   []Envelope
	failNext bool
}

func (h *hookServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failNext {
		h.failNext = false
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	data, _ := io.ReadAll(r.Body)
	var env Envelope
	_ = json.Unmarshal(data, &env)
	h.headers = append(h.headers, r.Header.Clone())
	h.bodies = append(h.bodies, env)
	w.WriteHeader(http.StatusNoContent)
}

func (h *hookServer) types() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := []string{}
	for _, b := range h.bodies {
		out = append(out, b.Type)
	}
	return out
}

func TestWebhookDelivery(t *testing.T) {
	r := newRepo(t)
	hook := &hookServer{}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	sink := NewWebhookSink(config.WebhookConfig{Name: "hr", URL: srv.URL, Secret: "s3cret", Events: []string{"instance.*"}})
	d := NewDispatcher(r, []Sink{sink}, Options{Log: zerolog.Nop()})
	ctx := context.Background()
	d.DispatchOnce(ctx)

	appendEvent(t, r, "instance.submitted", events.Payload{"category_code": "LEAVE"})
	appendEvent(t, r, "template.created", nil)
	appendEvent(t, r, "instance.transition", events.Payload{"from": "PENDING", "to": "APPROVED"})
	d.DispatchOnce(ctx)

	assert.Equal(t, []string{"instance.submitted", "instance.transition"}, hook.types())
	h := hook.headers[0]
	assert.Equal(t, "instance.submitted", h.Get("X-Signoff-Event"))
	assert.Equal(t, "s3cret", h.Get("X-Signoff-Secret"))
	assert.NotEmpty(t, h.Get("X-Signoff-Delivery"))
	assert.JSONEq(t, `{"category_code":"LEAVE"}`, string(hook.bodies[0].Payload))

	cur, err := r.SinkCursor(ctx, sink.Name())
	require.NoError(t, err)
	assert.Equal(t, int64(3), cur)

	d.DispatchOnce(ctx)
	assert.Len(t, hook.types(), 2, "no redelivery once the cursor moved")
}

func TestWebhookFailureIsRetried(t *testing.T) {
	r := newRepo(t)
	hook := &hookServer{}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	d := NewDispatcher(r, []Sink{NewWebhookSink(config.WebhookConfig{URL: srv.URL})}, Options{Log: zerolog.Nop()})
	ctx := context.Background()
	d.DispatchOnce(ctx)

	appendEvent(t, r, "decision.recorded", nil)
	hook.mu.Lock()
	hook.failNext = true
	hook.mu.Unlock()
	d.DispatchOnce(ctx)
	assert.Empty(t, hook.types())

	d.DispatchOnce(ctx)
	assert.Equal(t, []string{"decision.recorded"}, hook.types())
}

func TestCursorSurvivesRestart(t *testing.T) {
	r := newRepo(t)
	rec := &recordingSink{name: "rec"}
	ctx := context.Background()
	NewDispatcher(r, []Sink{rec}, Options{}).DispatchOnce(ctx)

	appendEvent(t, r, "instance.submitted", nil)
	NewDispatcher(r, []Sink{rec}, Options{}).DispatchOnce(ctx)
	appendEvent(t, r, "decision.recorded", nil)
	NewDispatcher(r, []Sink{rec}, Options{}).DispatchOnce(ctx)

	assert.Equal(t, []string{"instance.submitted", "decision.recorded"}, rec.types)
}

type recordingSink struct {
	name  string
	types []string
}

func (s *recordingSink) Name() string { return s.name }
func (s *recordingSink) Deliver(_ context.Context, evt domain.Event) error {
	s.types = append(s.types, evt.Type)
	return nil
}

type fakePublisher struct {
	subjects []string
}

func (f *fakePublisher) Publish(subject string, _ []byte) error {
	f.subjects = append(f.subjects, subject)
	return nil
}

func TestNATSSinkSubjects(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewNATSSink(pub, config.NATSConfig{SubjectPrefix: "hr.approvals.", Events: []string{"decision.recorded"}})
	ctx := context.Background()
	require.NoError(t, sink.Deliver(ctx, domain.Event{ID: 1, Type: "decision.recorded", Payload: "{}"}))
	require.NoError(t, sink.Deliver(ctx, domain.Event{ID: 2, Type: "member.upserted", Payload: "{}"}))
	assert.Equal(t, []string{"hr.approvals.decision.recorded"}, pub.subjects)
	assert.Equal(t, "nats:hr.approvals", sink.Name())
}

func TestTransitionSink(t *testing.T) {
	var got []Transition
	sink := NewTransitionSink("audit", TransitionFunc(func(_ context.Context, tr Transition) error {
		got = append(got, tr)
		return nil
	}))
	ctx := context.Background()
	require.NoError(t, sink.Deliver(ctx, domain.Event{Type: "stage.transition", EntityID: "req-1", Payload: `{"from":"WAITING","to":"SATISFIED","stage_index":0}`}))
	require.NoError(t, sink.Deliver(ctx, domain.Event{Type: "instance.transition", EntityID: "req-1", Payload: `{"from":"PENDING","to":"APPROVED"}`}))
	require.NoError(t, sink.Deliver(ctx, domain.Event{Type: "decision.recorded", EntityID: "req-1", Payload: `{}`}))

	require.Len(t, got, 2)
	assert.Equal(t, "stage", got[0].Scope)
	require.NotNil(t, got[0].StageIndex)
	assert.Equal(t, 0, *got[0].StageIndex)
	assert.Equal(t, "APPROVED", got[1].To)
	assert.Nil(t, got[1].StageIndex)
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{"instance.*", "rule.created", " "})
	assert.True(t, f.match("instance.submitted"))
	assert.True(t, f.match("rule.created"))
	assert.False(t, f.match("rule.updated"))
	assert.True(t, newEventFilter(nil).match("anything"))
	assert.True(t, newEventFilter([]string{"*"}).match("anything"))
}

func TestFromConfigSkipsDisabledHooks(t *testing.T) {
	off := false
	sinks, closeFn, err := FromConfig(config.NotificationsConfig{
		LogEvents: true,
		Webhooks: []config.WebhookConfig{
			{Name: "on", URL: "http://example.invalid/hook"},
			{Name: "off", URL: "http://example.invalid/off", Enabled: &off},
		},
	}, zerolog.Nop())
	require.NoError(t, err)
	defer closeFn()
	require.Len(t, sinks, 2)
	assert.Equal(t, "webhook:on", sinks[0].Name())
	assert.Equal(t, "log", sinks[1].Name())
}
