package engine

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"signoff/internal/config"
	"signoff/internal/db"
	"signoff/internal/directory"
	"signoff/internal/domain"
	"signoff/internal/engine/auth"
	"signoff/internal/events"
	"signoff/internal/repo"
	"signoff/internal/rules"
	"signoff/internal/schema"
)

// Directory supplies organization data at resolution time.
type Directory interface {
	Member(ctx context.Context, id string) (domain.OrgMember, error)
	ResolveOrgHierarchy(ctx context.Context, requesterID string) ([]domain.OrgMember, error)
	HoldersOfRole(ctx context.Context, role string) ([]domain.OrgMember, error)
}

// PayloadValidator checks a raw request body against a category's fields.
type PayloadValidator interface {
	ValidatePayload(cat domain.Category, raw map[string]any) (schema.Payload, schema.Errors)
}

type schemaValidator struct{}

func (schemaValidator) ValidatePayload(cat domain.Category, raw map[string]any) (schema.Payload, schema.Errors) {
	return schema.Validate(cat.Fields, raw)
}

// Scheduler arms and disarms timers for deferred auto-approvals.
type Scheduler interface {
	Schedule(d domain.DeferredApproval)
	Cancel(ids ...string)
}

// Notifier is poked after a commit that wrote events.
type Notifier interface {
	Kick()
}

type hooks struct {
	mu        sync.RWMutex
	scheduler Scheduler
	notifier  Notifier
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Auth      auth.Service
	Config    *config.Config
	Directory Directory
	Validator PayloadValidator
	Rules     *rules.Evaluator
	Log       zerolog.Logger
	Now       func() time.Time

	locks *keyedMutex
	hooks *hooks
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: conn, Dialect: dialect}
	return Engine{
		DB:        conn,
		Repo:      r,
		Events:    events.Writer{Dialect: dialect},
		Auth:      auth.Service{DB: conn, Dialect: dialect},
		Config:    cfg,
		Directory: directory.Service{Repo: r, MaxDepth: cfg.Hierarchy.MaxDepth},
		Validator: schemaValidator{},
		Rules:     rules.NewEvaluator(),
		Log:       zerolog.Nop(),
		Now:       time.Now,
		locks:     newKeyedMutex(),
		hooks:     &hooks{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// eventWriter stamps events with the engine clock unless Events has its own.
func (e Engine) eventWriter() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

const timeLayout = time.RFC3339

func (e Engine) timestamp() string {
	return e.now().UTC().Format(timeLayout)
}

// AttachScheduler wires deferred approvals to s. Copies of the engine share it.
func (e Engine) AttachScheduler(s Scheduler) {
	if e.hooks == nil {
		return
	}
	e.hooks.mu.Lock()
	e.hooks.scheduler = s
	e.hooks.mu.Unlock()
}

// AttachNotifier makes every committed change poke n.
func (e Engine) AttachNotifier(n Notifier) {
	if e.hooks == nil {
		return
	}
	e.hooks.mu.Lock()
	e.hooks.notifier = n
	e.hooks.mu.Unlock()
}

func (e Engine) scheduler() Scheduler {
	if e.hooks == nil {
		return nil
	}
	e.hooks.mu.RLock()
	defer e.hooks.mu.RUnlock()
	return e.hooks.scheduler
}

func (e Engine) kick() {
	if e.hooks == nil {
		return
	}
	e.hooks.mu.RLock()
	n := e.hooks.notifier
	e.hooks.mu.RUnlock()
	if n != nil {
		n.Kick()
	}
}

func (e Engine) lock(key string) func() {
	if e.locks == nil {
		return func() {}
	}
	return e.locks.lock(key)
}

func (e Engine) maxRetries() int {
	if e.Config != nil && e.Config.Engine.MaxRetries > 0 {
		return e.Config.Engine.MaxRetries
	}
	return 3
}

func (e Engine) defaultAgreementPolicy() domain.AgreementPolicy {
	if e.Config != nil && e.Config.Engine.AgreementPolicy == string(domain.AgreementAdvisory) {
		return domain.AgreementAdvisory
	}
	return domain.AgreementBlocking
}

// notFound converts the storage sentinel into a domain error.
func notFound(err error, code, format string, args ...any) error {
	if errors.Is(err, repo.ErrNotFound) {
		return newError(code, format, args...)
	}
	return err
}

// keyedMutex serializes work per key and drops idle entries.
type keyedMutex struct {
	mu    sync.Mutex
	items map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{items: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	ent, ok := k.items[key]
	if !ok {
		ent = &keyedEntry{}
		k.items[key] = ent
	}
	ent.refs++
	k.mu.Unlock()

	ent.mu.Lock()
	return func() {
		ent.mu.Unlock()
		k.mu.Lock()
		ent.refs--
		if ent.refs == 0 {
			delete(k.items, key)
		}
		k.mu.Unlock()
	}
}
