package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"signoff/internal/config"
	"signoff/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// Envelope is the JSON body sent to external sinks.
type Envelope struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func envelope(evt domain.Event) Envelope {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	return Envelope{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	}
}

// WebhookSink POSTs each matching event to a URL.
type WebhookSink struct {
	cfg    config.WebhookConfig
	filter eventFilter
	client *http.Client
}

func NewWebhookSink(cfg config.WebhookConfig) *WebhookSink {
	timeout := defaultWebhookTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &WebhookSink{cfg: cfg, filter: newEventFilter(cfg.Events), client: &http.Client{Timeout: timeout}}
}

func (w *WebhookSink) Name() string {
	if w.cfg.Name != "" {
		return "webhook:" + w.cfg.Name
	}
	return "webhook:" + w.cfg.URL
}

func (w *WebhookSink) Deliver(ctx context.Context, evt domain.Event) error {
	if !w.filter.match(evt.Type) {
		return nil
	}
	data, err := json.Marshal(envelope(evt))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signoff-Event", evt.Type)
	req.Header.Set("X-Signoff-Delivery", strconv.FormatInt(evt.ID, 10))
	if strings.TrimSpace(w.cfg.Secret) != "" {
		req.Header.Set("X-Signoff-Secret", w.cfg.Secret)
	}
	res, err := w.client.Do(req)
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

// Publisher is the part of *nats.Conn the NATS sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes events to <prefix>.<event type>.
type NATSSink struct {
	pub    Publisher
	prefix string
	filter eventFilter
}

func NewNATSSink(pub Publisher, cfg config.NATSConfig) *NATSSink {
	prefix := strings.Trim(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = "signoff"
	}
	return &NATSSink{pub: pub, prefix: prefix, filter: newEventFilter(cfg.Events)}
}

func (n *NATSSink) Name() string { return "nats:" + n.prefix }

func (n *NATSSink) Subject(evtType string) string {
	return n.prefix + "." + evtType
}

func (n *NATSSink) Deliver(_ context.Context, evt domain.Event) error {
	if !n.filter.match(evt.Type) {
		return nil
	}
	data, err := json.Marshal(envelope(evt))
	if err != nil {
		return err
	}
	return n.pub.Publish(n.Subject(evt.Type), data)
}

// LogSink writes every event to the process log.
type LogSink struct {
	Log zerolog.Logger
}

func (LogSink) Name() string { return "log" }

func (l LogSink) Deliver(_ context.Context, evt domain.Event) error {
	l.Log.Info().Int64("event", evt.ID).Str("type", evt.Type).Str("entity_kind", evt.EntityKind).
		Str("entity_id", evt.EntityID).Str("actor", evt.ActorID).RawJSON("payload", []byte(envelope(evt).Payload)).Msg("event")
	return nil
}

// Transition is a status change of a request or one of its stages.
type Transition struct {
	InstanceID string `json:"instance_id"`
	Scope      string `json:"scope"`
	StageIndex *int   `json:"stage_index,omitempty"`
	From       string `json:"from"`
	To         string `json:"to"`
	ActorID    string `json:"actor_id"`
	TS         string `json:"ts"`
}

// TransitionHandler is told about every committed state transition.
type TransitionHandler interface {
	OnStateTransition(ctx context.Context, t Transition) error
}

type TransitionFunc func(ctx context.Context, t Transition) error

func (f TransitionFunc) OnStateTransition(ctx context.Context, t Transition) error { return f(ctx, t) }

// TransitionSink adapts a TransitionHandler to the outbox.
type TransitionSink struct {
	name    string
	handler TransitionHandler
}

func NewTransitionSink(name string, h TransitionHandler) *TransitionSink {
	return &TransitionSink{name: "transitions:" + name, handler: h}
}

func (t *TransitionSink) Name() string { return t.name }

func (t *TransitionSink) Deliver(ctx context.Context, evt domain.Event) error {
	var scope string
	switch evt.Type {
	case "instance.transition":
		scope = "instance"
	case "stage.transition":
		scope = "stage"
	default:
		return nil
	}
	var body struct {
		From       string `json:"from"`
		To         string `json:"to"`
		StageIndex *int   `json:"stage_index"`
	}
	if err := json.Unmarshal([]byte(evt.Payload), &body); err != nil {
		return fmt.Errorf("decode transition %d: %w", evt.ID, err)
	}
	return t.handler.OnStateTransition(ctx, Transition{
		InstanceID: evt.EntityID,
		Scope:      scope,
		StageIndex: body.StageIndex,
		From:       body.From,
		To:         body.To,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
	})
}

// FromConfig builds the configured sinks. The returned close func releases
// the NATS connection, if any.
func FromConfig(cfg config.NotificationsConfig, log zerolog.Logger) ([]Sink, func(), error) {
	var sinks []Sink
	closeFn := func() {}
	for _, hook := range cfg.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		sinks = append(sinks, NewWebhookSink(hook))
	}
	if url := strings.TrimSpace(cfg.NATS.URL); url != "" {
		nc, err := nats.Connect(url, nats.Name("signoff"), nats.MaxReconnects(-1))
		if err != nil {
			return nil, closeFn, fmt.Errorf("connect nats %s: %w", url, err)
		}
		sinks = append(sinks, NewNATSSink(nc, cfg.NATS))
		closeFn = func() {
			if err := nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				log.Warn().Err(err).Msg("drain nats")
			}
		}
	}
	if cfg.LogEvents {
		sinks = append(sinks, LogSink{Log: log})
	}
	return sinks, closeFn, nil
}
