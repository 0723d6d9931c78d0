package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"signoff/internal/db"
)

// Writer appends rows to the event outbox inside the caller's transaction.
type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type Payload map[string]any

// appendLockKey serializes outbox appends on Postgres, so event ids commit
// in id order and cursor readers never skip one. Held until the tx ends.
const appendLockKey int64 = 0x5349474e4f4646

func (w Writer) lockStatement() string {
	if w.Dialect != db.Postgres {
		return ""
	}
	return `SELECT pg_advisory_xact_lock($1)`
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload Payload) error {
	if tx == nil {
		return fmt.Errorf("append %s: transaction required", evtType)
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	if stmt := w.lockStatement(); stmt != "" {
		if _, err := tx.ExecContext(ctx, stmt, appendLockKey); err != nil {
			return fmt.Errorf("lock event outbox: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`),
		now().UTC().Format(time.RFC3339Nano), evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
