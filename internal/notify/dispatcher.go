package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"signoff/internal/domain"
	"signoff/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// Sink receives committed events. A returned error stops the batch for that
// sink; delivery resumes from the same event on the next tick.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt domain.Event) error
}

// Source is the outbox the dispatcher reads from.
type Source interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
	SinkCursor(ctx context.Context, sink string) (int64, error)
	SaveSinkCursor(ctx context.Context, sink string, eventID int64, now string) error
}

// Dispatcher polls the outbox and fans events out to sinks, at least once.
type Dispatcher struct {
	source   Source
	sinks    []Sink
	interval time.Duration
	batch    int
	log      zerolog.Logger
	kick     chan struct{}

	mu      sync.Mutex
	cursors map[string]int64
}

type Options struct {
	Interval time.Duration
	Batch    int
	Log      zerolog.Logger
}

func NewDispatcher(source Source, sinks []Sink, opts Options) *Dispatcher {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Batch <= 0 {
		opts.Batch = defaultBatch
	}
	return &Dispatcher{
		source:   source,
		sinks:    sinks,
		interval: opts.Interval,
		batch:    opts.Batch,
		log:      opts.Log,
		kick:     make(chan struct{}, 1),
		cursors:  make(map[string]int64),
	}
}

// Kick asks for a dispatch pass without waiting for the next tick.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run dispatches until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	if len(d.sinks) == 0 {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.kick:
		}
	}
}

// DispatchOnce runs a single pass over every sink.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for _, s := range d.sinks {
		if ctx.Err() != nil {
			return
		}
		d.dispatch(ctx, s)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, s Sink) {
	log := d.log.With().Str("sink", s.Name()).Logger()
	cursor, err := d.cursorFor(ctx, s.Name())
	if err != nil {
		log.Warn().Err(err).Msg("init cursor failed")
		return
	}
	events, err := d.source.EventsAfter(ctx, d.batch, cursor)
	if err != nil {
		log.Warn().Err(err).Msg("fetch events failed")
		return
	}
	if len(events) == 0 {
		return
	}
	last := cursor
	for _, evt := range events {
		if err := s.Deliver(ctx, evt); err != nil {
			log.Warn().Err(err).Int64("event", evt.ID).Str("type", evt.Type).Msg("delivery failed")
			break
		}
		log.Debug().Int64("event", evt.ID).Str("type", evt.Type).Msg("event delivered")
		last = evt.ID
	}
	if last != cursor {
		d.setCursor(ctx, s.Name(), last)
	}
}

// cursorFor loads the stored cursor. A sink seen for the first time starts
// at the newest event.
func (d *Dispatcher) cursorFor(ctx context.Context, name string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[name]; ok {
		return cur, nil
	}
	cur, err := d.source.SinkCursor(ctx, name)
	if errors.Is(err, repo.ErrNotFound) {
		if cur, err = d.source.LatestEventID(ctx); err != nil {
			return 0, err
		}
		if err := d.source.SaveSinkCursor(ctx, name, cur, now()); err != nil {
			return 0, err
		}
	} else if err != nil {
		return 0, err
	}
	d.cursors[name] = cur
	return cur, nil
}

func (d *Dispatcher) setCursor(ctx context.Context, name string, id int64) {
	d.mu.Lock()
	d.cursors[name] = id
	d.mu.Unlock()
	if err := d.source.SaveSinkCursor(ctx, name, id, now()); err != nil {
		d.log.Warn().Err(err).Str("sink", name).Msg("persist cursor failed")
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// eventFilter matches event types exactly or by a trailing ".*" prefix.
type eventFilter struct {
	all      bool
	set      map[string]struct{}
	prefixes []string
}

func newEventFilter(events []string) eventFilter {
	f := eventFilter{set: make(map[string]struct{}, len(events))}
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		switch {
		case key == "":
		case key == "*":
			return eventFilter{all: true}
		case strings.HasSuffix(key, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(key, "*"))
		default:
			f.set[key] = struct{}{}
		}
	}
	if len(f.set) == 0 && len(f.prefixes) == 0 {
		return eventFilter{all: true}
	}
	return f
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
