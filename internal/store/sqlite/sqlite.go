// Package sqlite implements store.Store on SQLite via modernc.org/sqlite.
// It backs local development and tests; timestamps are stored as RFC 3339
// text in UTC.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/havenlabs/haven/internal/fieldcache"
	"github.com/havenlabs/haven/internal/model"
	"github.com/havenlabs/haven/internal/store"
)

// New wraps an open connection in a store.Store. The field cache is
// invalidated for the owning record on every write to an encrypted field.
func New(db *sql.DB, cache *fieldcache.Cache) store.Store {
	return &sqlStore{db: db, cache: cache}
}

type sqlStore struct {
	db    *sql.DB
	cache *fieldcache.Cache
}

func (s *sqlStore) Chats() store.Chats                 { return &chats{s} }
func (s *sqlStore) Sessions() store.Sessions           { return &sessions{s} }
func (s *sqlStore) GuidedFlows() store.GuidedFlows     { return &guidedFlows{s} }
func (s *sqlStore) Events() store.Events               { return &events{s} }
func (s *sqlStore) Artifacts() store.Artifacts         { return &artifacts{s} }
func (s *sqlStore) Notifications() store.Notifications { return &notifications{s} }

func (s *sqlStore) HealthPing(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- time helpers ---

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// --- Chats ---

type chats struct{ s *sqlStore }

func (c *chats) Create(ctx context.Context, m *model.Chat) (*model.Chat, error) {
	now := fmtTime(m.CreatedAt)
	err := store.Retry(ctx, func() error {
		// Existing chats keep their encryption key.
		_, err := c.s.db.ExecContext(ctx, `
            INSERT INTO chats (chat_id, encrypted_key, created_at, updated_at)
            VALUES (?,?,?,?)
            ON CONFLICT(chat_id) DO UPDATE SET updated_at = excluded.updated_at`,
			m.ChatID, m.EncryptedKey, now, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.s.cache.Invalidate(model.ChatKey(m.ChatID))
	return c.Get(ctx, m.ChatID)
}

func (c *chats) Get(ctx context.Context, chatID string) (*model.Chat, error) {
	var out model.Chat
	var created, updated string
	row := c.s.db.QueryRowContext(ctx, `
        SELECT chat_id, encrypted_key, created_at, updated_at FROM chats WHERE chat_id=?`, chatID)
	if err := row.Scan(&out.ChatID, &out.EncryptedKey, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("chat %s: %w", chatID, model.ErrNotFound)
		}
		return nil, err
	}
	var err error
	if out.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if out.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Sessions ---

type sessions struct{ s *sqlStore }

const sessionColumns = `session_key, chat_id, started_at, ended_at,
    last_user_message, last_user_activity, last_bot_message, last_bot_activity, message_count`

func scanSession(row interface{ Scan(...any) error }) (*model.Session, error) {
	var out model.Session
	var started string
	var ended, lum, lua, lbm, lba sql.NullString
	if err := row.Scan(&out.SessionKey, &out.ChatID, &started, &ended, &lum, &lua, &lbm, &lba, &out.MessageCount); err != nil {
		return nil, err
	}
	var err error
	if out.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if out.EndedAt, err = parseTimePtr(ended); err != nil {
		return nil, err
	}
	if out.LastUserMessage, err = parseTimePtr(lum); err != nil {
		return nil, err
	}
	if out.LastUserActivity, err = parseTimePtr(lua); err != nil {
		return nil, err
	}
	if out.LastBotMessage, err = parseTimePtr(lbm); err != nil {
		return nil, err
	}
	if out.LastBotActivity, err = parseTimePtr(lba); err != nil {
		return nil, err
	}
	return &out, nil
}

func (se *sessions) GetActive(ctx context.Context, chatID string) (*model.Session, error) {
	row := se.s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE chat_id=? AND ended_at IS NULL`, chatID)
	out, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active session for chat %s: %w", chatID, model.ErrNotFound)
	}
	return out, err
}

func (se *sessions) Get(ctx context.Context, sessionKey string) (*model.Session, error) {
	row := se.s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_key=?`, sessionKey)
	out, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionKey, model.ErrNotFound)
	}
	return out, err
}

func (se *sessions) Create(ctx context.Context, chatID string, at time.Time) (*model.Session, error) {
	key := model.SessionKeyFor(chatID, at)
	err := store.Retry(ctx, func() error {
		_, err := se.s.db.ExecContext(ctx, `
            INSERT INTO sessions (session_key, chat_id, started_at, message_count)
            VALUES (?,?,?,0)`, key, chatID, fmtTime(at))
		return err
	})
	if err != nil {
		// The partial unique index rejects a second open window per chat.
		return nil, fmt.Errorf("create session for chat %s: %w", chatID, err)
	}
	return se.Get(ctx, key)
}

func (se *sessions) RecordUserEvent(ctx context.Context, sessionKey string, at time.Time, countsAsMessage bool) error {
	return se.record(ctx, sessionKey, at, countsAsMessage, true)
}

func (se *sessions) RecordBotEvent(ctx context.Context, sessionKey string, at time.Time, countsAsMessage bool) error {
	return se.record(ctx, sessionKey, at, countsAsMessage, false)
}

// record applies the monotonic timestamp rules inside one transaction. The
// surrounding scheduler guarantees a single writer per chat, so the
// read-modify-write is race-free for that chat's own rows.
func (se *sessions) record(ctx context.Context, sessionKey string, at time.Time, countsAsMessage, isUser bool) error {
	return store.Retry(ctx, func() error {
		tx, err := se.s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE session_key=?`, sessionKey)
		cur, err := scanSession(row)
		if errors.Is(err, sql.ErrNoRows) {
			return store.Permanent(fmt.Errorf("session %s: %w", sessionKey, model.ErrNotFound))
		}
		if err != nil {
			return err
		}

		activity, message := cur.LastUserActivity, cur.LastUserMessage
		if !isUser {
			activity, message = cur.LastBotActivity, cur.LastBotMessage
		}

		count := cur.MessageCount
		advanced := false
		if activity == nil || at.After(*activity) {
			activity = &at
			advanced = true
		}
		if countsAsMessage && (message == nil || at.After(*message)) {
			message = &at
			advanced = true
			if isUser {
				count++
			}
		}
		if !advanced {
			return nil // stale event, no-op
		}

		if isUser {
			_, err = tx.ExecContext(ctx, `
                UPDATE sessions SET last_user_activity=?, last_user_message=?, message_count=?
                WHERE session_key=?`,
				fmtTimePtr(activity), fmtTimePtr(message), count, sessionKey)
		} else {
			_, err = tx.ExecContext(ctx, `
                UPDATE sessions SET last_bot_activity=?, last_bot_message=?
                WHERE session_key=?`,
				fmtTimePtr(activity), fmtTimePtr(message), sessionKey)
		}
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (se *sessions) Close(ctx context.Context, sessionKey string, at time.Time) error {
	return store.Retry(ctx, func() error {
		tx, err := se.s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		// Recount persisted user messages instead of trusting the running
		// counter; missed updates would otherwise undercount.
		var count int
		err = tx.QueryRowContext(ctx, `
            SELECT COUNT(*) FROM events
            WHERE session_key=? AND kind=? AND sender=? AND created_at<=?`,
			sessionKey, string(model.EventMessage), string(model.SenderUser), fmtTime(at)).Scan(&count)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
            UPDATE sessions SET ended_at=?, message_count=? WHERE session_key=? AND ended_at IS NULL`,
			fmtTime(at), count, sessionKey)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.Permanent(fmt.Errorf("open session %s: %w", sessionKey, model.ErrNotFound))
		}
		return tx.Commit()
	})
}

// --- Guided flows ---

type guidedFlows struct{ s *sqlStore }

const flowColumns = `flow_key, chat_id, session_key, flow_type, state,
    started_at, completed_at, encrypted_metadata, created_at, updated_at`

func scanFlow(row interface{ Scan(...any) error }) (*model.GuidedFlow, error) {
	var out model.GuidedFlow
	var ftype, state, started, created, updated string
	var completed sql.NullString
	if err := row.Scan(&out.FlowKey, &out.ChatID, &out.SessionKey, &ftype, &state,
		&started, &completed, &out.EncryptedMetadata, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if out.Type, err = model.ParseFlowType(ftype); err != nil {
		return nil, err
	}
	if out.State, err = model.ParseFlowState(state); err != nil {
		return nil, err
	}
	if out.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if out.CompletedAt, err = parseTimePtr(completed); err != nil {
		return nil, err
	}
	if out.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if out.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *guidedFlows) List(ctx context.Context, chatID string, f store.FlowFilter) ([]*model.GuidedFlow, error) {
	q := `SELECT ` + flowColumns + ` FROM guided_flows WHERE chat_id=?`
	args := []any{chatID}
	if f.SessionKey != "" {
		q += ` AND session_key=?`
		args = append(args, f.SessionKey)
	}
	if f.Type != "" {
		q += ` AND flow_type=?`
		args = append(args, string(f.Type))
	}
	if f.State != "" {
		q += ` AND state=?`
		args = append(args, string(f.State))
	}
	q += ` ORDER BY created_at DESC`

	rows, err := g.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.GuidedFlow
	for rows.Next() {
		fl, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fl)
	}
	return out, rows.Err()
}

func (g *guidedFlows) Get(ctx context.Context, flowKey string) (*model.GuidedFlow, error) {
	row := g.s.db.QueryRowContext(ctx,
		`SELECT `+flowColumns+` FROM guided_flows WHERE flow_key=?`, flowKey)
	out, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("guided flow %s: %w", flowKey, model.ErrNotFound)
	}
	return out, err
}

func (g *guidedFlows) Start(ctx context.Context, chatID, sessionKey string, t model.FlowType, at time.Time) (*model.GuidedFlow, error) {
	existing, err := g.List(ctx, chatID, store.FlowFilter{Type: t, State: model.FlowStateActive})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing[0], nil // idempotent: never create a duplicate active flow
	}

	key := model.FlowKeyFor(t, sessionKey, at)
	now := fmtTime(at)
	err = store.Retry(ctx, func() error {
		_, err := g.s.db.ExecContext(ctx, `
            INSERT INTO guided_flows
                (flow_key, chat_id, session_key, flow_type, state, started_at, created_at, updated_at)
            VALUES (?,?,?,?,?,?,?,?)`,
			key, chatID, sessionKey, string(t), string(model.FlowStateActive), now, now, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return g.Get(ctx, key)
}

func (g *guidedFlows) Complete(ctx context.Context, flowKey string, at time.Time) error {
	return g.transition(ctx, flowKey, model.FlowStateComplete, at)
}

func (g *guidedFlows) Inactivate(ctx context.Context, flowKey string, at time.Time) error {
	return g.transition(ctx, flowKey, model.FlowStateIncomplete, at)
}

func (g *guidedFlows) transition(ctx context.Context, flowKey string, to model.FlowState, at time.Time) error {
	return store.Retry(ctx, func() error {
		completed := any(nil)
		if to == model.FlowStateComplete {
			completed = fmtTime(at)
		}
		res, err := g.s.db.ExecContext(ctx, `
            UPDATE guided_flows SET state=?, completed_at=?, updated_at=?
            WHERE flow_key=? AND state=?`,
			string(to), completed, fmtTime(at), flowKey, string(model.FlowStateActive))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Only active→complete and active→incomplete are defined.
			flow, err := g.Get(ctx, flowKey)
			if err != nil {
				return store.Permanent(err)
			}
			return store.Permanent(fmt.Errorf("guided flow %s in state %s: %w",
				flowKey, flow.State, model.ErrInvalidState))
		}
		return nil
	})
}

func (g *guidedFlows) SetMetadata(ctx context.Context, flowKey string, encrypted string, at time.Time) error {
	g.s.cache.Invalidate(flowKey)
	return store.Retry(ctx, func() error {
		res, err := g.s.db.ExecContext(ctx, `
            UPDATE guided_flows SET encrypted_metadata=?, updated_at=? WHERE flow_key=?`,
			encrypted, fmtTime(at), flowKey)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.Permanent(fmt.Errorf("guided flow %s: %w", flowKey, model.ErrNotFound))
		}
		return nil
	})
}

// --- Events ---

type events struct{ s *sqlStore }

func (e *events) Append(ctx context.Context, ev *model.Event) error {
	e.s.cache.Invalidate(ev.EventKey)
	return store.Retry(ctx, func() error {
		_, err := e.s.db.ExecContext(ctx, `
            INSERT INTO events
                (event_key, chat_id, session_key, message_id, kind, sender, encrypted_body, reacts_to, mime_type, created_at)
            VALUES (?,?,?,?,?,?,?,?,?,?)
            ON CONFLICT(event_key) DO NOTHING`,
			ev.EventKey, ev.ChatID, ev.SessionKey, ev.MessageID, string(ev.Kind), string(ev.Sender),
			ev.EncryptedBody, nullable(ev.ReactsTo), nullable(ev.MimeType), fmtTime(ev.CreatedAt))
		return err
	})
}

const eventColumns = `event_key, chat_id, session_key, message_id, kind, sender,
    encrypted_body, reacts_to, mime_type, created_at`

func scanEvent(row interface{ Scan(...any) error }) (*model.Event, error) {
	var out model.Event
	var kind, sender, created string
	var reactsTo, mime sql.NullString
	if err := row.Scan(&out.EventKey, &out.ChatID, &out.SessionKey, &out.MessageID,
		&kind, &sender, &out.EncryptedBody, &reactsTo, &mime, &created); err != nil {
		return nil, err
	}
	out.Kind = model.EventKind(kind)
	out.Sender = model.Sender(sender)
	out.ReactsTo = reactsTo.String
	out.MimeType = mime.String
	var err error
	if out.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *events) List(ctx context.Context, req store.ListEventsRequest) ([]*model.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events WHERE session_key=?`
	args := []any{req.SessionKey}
	if req.From != nil {
		q += ` AND created_at>=?`
		args = append(args, fmtTime(*req.From))
	}
	if req.Until != nil {
		q += ` AND created_at<=?`
		args = append(args, fmtTime(*req.Until))
	}
	q += ` ORDER BY created_at ASC`

	rows, err := e.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (e *events) GetByMessageID(ctx context.Context, chatID, messageID string) (*model.Event, error) {
	row := e.s.db.QueryRowContext(ctx, `
        SELECT `+eventColumns+` FROM events
        WHERE chat_id=? AND message_id=? AND kind=?
        ORDER BY created_at DESC LIMIT 1`,
		chatID, messageID, string(model.EventMessage))
	out, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s in chat %s: %w", messageID, chatID, model.ErrNotFound)
	}
	return out, err
}

func (e *events) CountUserMessages(ctx context.Context, sessionKey string, until time.Time) (int, error) {
	var n int
	err := e.s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM events
        WHERE session_key=? AND kind=? AND sender=? AND created_at<=?`,
		sessionKey, string(model.EventMessage), string(model.SenderUser), fmtTime(until)).Scan(&n)
	return n, err
}

func (e *events) PurgeClosedSessions(ctx context.Context, endedBefore time.Time) (int64, error) {
	var n int64
	err := store.Retry(ctx, func() error {
		res, err := e.s.db.ExecContext(ctx, `
            DELETE FROM events WHERE session_key IN (
                SELECT session_key FROM sessions
                WHERE ended_at IS NOT NULL AND ended_at < ?)`, fmtTime(endedBefore))
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// --- Context artifacts ---

type artifacts struct{ s *sqlStore }

func (a *artifacts) Upsert(ctx context.Context, m *model.ContextArtifact) error {
	a.s.cache.Invalidate(m.ArtifactKey)
	return store.Retry(ctx, func() error {
		_, err := a.s.db.ExecContext(ctx, `
            INSERT INTO context_artifacts
                (artifact_key, chat_id, session_key, artifact_type, encrypted_content, created_at)
            VALUES (?,?,?,?,?,?)
            ON CONFLICT(artifact_key) DO UPDATE SET
                encrypted_content = excluded.encrypted_content,
                created_at        = excluded.created_at`,
			m.ArtifactKey, m.ChatID, nullable(m.SessionKey), string(m.Type), m.EncryptedContent, fmtTime(m.CreatedAt))
		return err
	})
}

func (a *artifacts) List(ctx context.Context, req store.ListArtifactsRequest) ([]*model.ContextArtifact, error) {
	q := `SELECT artifact_key, chat_id, session_key, artifact_type, encrypted_content, created_at
        FROM context_artifacts WHERE chat_id=?`
	args := []any{req.ChatID}
	if req.Type != "" {
		q += ` AND artifact_type=?`
		args = append(args, string(req.Type))
	}
	if req.SessionKey != "" {
		q += ` AND session_key=?`
		args = append(args, req.SessionKey)
	}
	if req.From != nil {
		q += ` AND created_at>=?`
		args = append(args, fmtTime(*req.From))
	}
	if req.Until != nil {
		q += ` AND created_at<=?`
		args = append(args, fmtTime(*req.Until))
	}
	q += ` ORDER BY created_at ASC`

	rows, err := a.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ContextArtifact
	for rows.Next() {
		var m model.ContextArtifact
		var atype, created string
		var sessionKey sql.NullString
		if err := rows.Scan(&m.ArtifactKey, &m.ChatID, &sessionKey, &atype, &m.EncryptedContent, &created); err != nil {
			return nil, err
		}
		if m.Type, err = model.ParseArtifactType(atype); err != nil {
			return nil, err
		}
		m.SessionKey = sessionKey.String
		if m.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// --- Notifications ---

type notifications struct{ s *sqlStore }

func (n *notifications) Enqueue(ctx context.Context, m *model.Notification) error {
	now := fmtTime(m.CreatedAt)
	return store.Retry(ctx, func() error {
		_, err := n.s.db.ExecContext(ctx, `
            INSERT INTO notifications (id, chat_id, content, status, created_at, updated_at)
            VALUES (?,?,?,?,?,?)`,
			m.ID, m.ChatID, m.Content, string(model.NotificationPending), now, now)
		return err
	})
}

func (n *notifications) NextPending(ctx context.Context, chatID string) (*model.Notification, error) {
	var out model.Notification
	var status, created, updated string
	row := n.s.db.QueryRowContext(ctx, `
        SELECT id, chat_id, content, status, created_at, updated_at FROM notifications
        WHERE chat_id=? AND status=? ORDER BY created_at ASC LIMIT 1`,
		chatID, string(model.NotificationPending))
	if err := row.Scan(&out.ID, &out.ChatID, &out.Content, &status, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	out.Status = model.NotificationStatus(status)
	var err error
	if out.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if out.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &out, nil
}

func (n *notifications) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	return store.Retry(ctx, func() error {
		_, err := n.s.db.ExecContext(ctx, `
            UPDATE notifications SET status=?, updated_at=? WHERE id=?`,
			string(model.NotificationCompleted), fmtTime(at), id)
		return err
	})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
