// Package postgres implements store.Store on PostgreSQL via the pgx stdlib
// driver. Schema migrations are applied out of band; Open only checks
// connectivity.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/havenlabs/haven/internal/fieldcache"
	"github.com/havenlabs/haven/internal/model"
	"github.com/havenlabs/haven/internal/store"
)

// Open opens a PostgreSQL connection and verifies connectivity.
func Open(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// New wraps an open connection in a store.Store.
func New(db *sql.DB, cache *fieldcache.Cache) store.Store {
	return &pgStore{db: db, cache: cache}
}

type pgStore struct {
	db    *sql.DB
	cache *fieldcache.Cache
}

func (s *pgStore) Chats() store.Chats                 { return &chats{s} }
func (s *pgStore) Sessions() store.Sessions           { return &sessions{s} }
func (s *pgStore) GuidedFlows() store.GuidedFlows     { return &guidedFlows{s} }
func (s *pgStore) Events() store.Events               { return &events{s} }
func (s *pgStore) Artifacts() store.Artifacts         { return &artifacts{s} }
func (s *pgStore) Notifications() store.Notifications { return &notifications{s} }

func (s *pgStore) HealthPing(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Chats ---

type chats struct{ s *pgStore }

func (c *chats) Create(ctx context.Context, m *model.Chat) (*model.Chat, error) {
	err := store.Retry(ctx, func() error {
		_, err := c.s.db.ExecContext(ctx, `
            INSERT INTO chats (chat_id, encrypted_key, created_at, updated_at)
            VALUES ($1,$2,$3,$3)
            ON CONFLICT (chat_id) DO UPDATE SET updated_at = EXCLUDED.updated_at`,
			m.ChatID, m.EncryptedKey, m.CreatedAt.UTC())
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
	row := c.s.db.QueryRowContext(ctx, `
        SELECT chat_id, encrypted_key, created_at, updated_at FROM chats WHERE chat_id=$1`, chatID)
	if err := row.Scan(&out.ChatID, &out.EncryptedKey, &out.CreatedAt, &out.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("chat %s: %w", chatID, model.ErrNotFound)
		}
		return nil, err
	}
	return &out, nil
}

// --- Sessions ---

type sessions struct{ s *pgStore }

const sessionColumns = `session_key, chat_id, started_at, ended_at,
    last_user_message, last_user_activity, last_bot_message, last_bot_activity, message_count`

func scanSession(row interface{ Scan(...any) error }) (*model.Session, error) {
	var out model.Session
	if err := row.Scan(&out.SessionKey, &out.ChatID, &out.StartedAt, &out.EndedAt,
		&out.LastUserMessage, &out.LastUserActivity, &out.LastBotMessage, &out.LastBotActivity,
		&out.MessageCount); err != nil {
		return nil, err
	}
	return &out, nil
}

func (se *sessions) GetActive(ctx context.Context, chatID string) (*model.Session, error) {
	row := se.s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE chat_id=$1 AND ended_at IS NULL`, chatID)
	out, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active session for chat %s: %w", chatID, model.ErrNotFound)
	}
	return out, err
}

func (se *sessions) Get(ctx context.Context, sessionKey string) (*model.Session, error) {
	row := se.s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_key=$1`, sessionKey)
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
            VALUES ($1,$2,$3,0)`, key, chatID, at.UTC())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create session for chat %s: %w", chatID, err)
	}
	return se.Get(ctx, key)
}

func (se *sessions) RecordUserEvent(ctx context.Context, sessionKey string, at time.Time, countsAsMessage bool) error {
	return store.Retry(ctx, func() error {
		at := at.UTC()
		var res sql.Result
		var err error
		if countsAsMessage {
			// GREATEST keeps timestamps monotonic under out-of-order delivery;
			// the count increments only when the message timestamp advances.
			res, err = se.s.db.ExecContext(ctx, `
                UPDATE sessions SET
                    last_user_activity = GREATEST(COALESCE(last_user_activity, $2), $2),
                    message_count = message_count +
                        CASE WHEN last_user_message IS NULL OR last_user_message < $2 THEN 1 ELSE 0 END,
                    last_user_message = GREATEST(COALESCE(last_user_message, $2), $2)
                WHERE session_key=$1`, sessionKey, at)
		} else {
			res, err = se.s.db.ExecContext(ctx, `
                UPDATE sessions SET
                    last_user_activity = GREATEST(COALESCE(last_user_activity, $2), $2)
                WHERE session_key=$1`, sessionKey, at)
		}
		return recorded(res, err, sessionKey)
	})
}

func (se *sessions) RecordBotEvent(ctx context.Context, sessionKey string, at time.Time, countsAsMessage bool) error {
	return store.Retry(ctx, func() error {
		at := at.UTC()
		var res sql.Result
		var err error
		if countsAsMessage {
			res, err = se.s.db.ExecContext(ctx, `
                UPDATE sessions SET
                    last_bot_activity = GREATEST(COALESCE(last_bot_activity, $2), $2),
                    last_bot_message  = GREATEST(COALESCE(last_bot_message, $2), $2)
                WHERE session_key=$1`, sessionKey, at)
		} else {
			res, err = se.s.db.ExecContext(ctx, `
                UPDATE sessions SET
                    last_bot_activity = GREATEST(COALESCE(last_bot_activity, $2), $2)
                WHERE session_key=$1`, sessionKey, at)
		}
		return recorded(res, err, sessionKey)
	})
}

// recorded turns a zero-row activity update into a permanent not-found error
// instead of silently dropping the event.
func recorded(res sql.Result, err error, sessionKey string) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.Permanent(fmt.Errorf("session %s: %w", sessionKey, model.ErrNotFound))
	}
	return nil
}

func (se *sessions) Close(ctx context.Context, sessionKey string, at time.Time) error {
	return store.Retry(ctx, func() error {
		res, err := se.s.db.ExecContext(ctx, `
            UPDATE sessions SET ended_at=$2, message_count=(
                SELECT COUNT(*) FROM events
                WHERE session_key=$1 AND kind='message' AND sender='user' AND created_at<=$2)
            WHERE session_key=$1 AND ended_at IS NULL`, sessionKey, at.UTC())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.Permanent(fmt.Errorf("open session %s: %w", sessionKey, model.ErrNotFound))
		}
		return nil
	})
}

// --- Guided flows ---

type guidedFlows struct{ s *pgStore }

const flowColumns = `flow_key, chat_id, session_key, flow_type, state,
    started_at, completed_at, encrypted_metadata, created_at, updated_at`

func scanFlow(row interface{ Scan(...any) error }) (*model.GuidedFlow, error) {
	var out model.GuidedFlow
	var ftype, state string
	if err := row.Scan(&out.FlowKey, &out.ChatID, &out.SessionKey, &ftype, &state,
		&out.StartedAt, &out.CompletedAt, &out.EncryptedMetadata, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if out.Type, err = model.ParseFlowType(ftype); err != nil {
		return nil, err
	}
	if out.State, err = model.ParseFlowState(state); err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *guidedFlows) List(ctx context.Context, chatID string, f store.FlowFilter) ([]*model.GuidedFlow, error) {
	q := `SELECT ` + flowColumns + ` FROM guided_flows WHERE chat_id=$1`
	args := []any{chatID}
	if f.SessionKey != "" {
		args = append(args, f.SessionKey)
		q += fmt.Sprintf(` AND session_key=$%d`, len(args))
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		q += fmt.Sprintf(` AND flow_type=$%d`, len(args))
	}
	if f.State != "" {
		args = append(args, string(f.State))
		q += fmt.Sprintf(` AND state=$%d`, len(args))
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
		`SELECT `+flowColumns+` FROM guided_flows WHERE flow_key=$1`, flowKey)
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
		return existing[0], nil
	}

	key := model.FlowKeyFor(t, sessionKey, at)
	err = store.Retry(ctx, func() error {
		_, err := g.s.db.ExecContext(ctx, `
            INSERT INTO guided_flows
                (flow_key, chat_id, session_key, flow_type, state, started_at, created_at, updated_at)
            VALUES ($1,$2,$3,$4,$5,$6,$6,$6)`,
			key, chatID, sessionKey, string(t), string(model.FlowStateActive), at.UTC())
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
		var completed *time.Time
		if to == model.FlowStateComplete {
			ts := at.UTC()
			completed = &ts
		}
		res, err := g.s.db.ExecContext(ctx, `
            UPDATE guided_flows SET state=$2, completed_at=$3, updated_at=$4
            WHERE flow_key=$1 AND state=$5`,
			flowKey, string(to), completed, at.UTC(), string(model.FlowStateActive))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
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
            UPDATE guided_flows SET encrypted_metadata=$2, updated_at=$3 WHERE flow_key=$1`,
			flowKey, encrypted, at.UTC())
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

type events struct{ s *pgStore }

const eventColumns = `event_key, chat_id, session_key, message_id, kind, sender,
    encrypted_body, reacts_to, mime_type, created_at`

func scanEvent(row interface{ Scan(...any) error }) (*model.Event, error) {
	var out model.Event
	var kind, sender string
	var reactsTo, mime sql.NullString
	if err := row.Scan(&out.EventKey, &out.ChatID, &out.SessionKey, &out.MessageID,
		&kind, &sender, &out.EncryptedBody, &reactsTo, &mime, &out.CreatedAt); err != nil {
		return nil, err
	}
	out.Kind = model.EventKind(kind)
	out.Sender = model.Sender(sender)
	out.ReactsTo = reactsTo.String
	out.MimeType = mime.String
	return &out, nil
}

func (e *events) Append(ctx context.Context, ev *model.Event) error {
	e.s.cache.Invalidate(ev.EventKey)
	return store.Retry(ctx, func() error {
		_, err := e.s.db.ExecContext(ctx, `
            INSERT INTO events
                (event_key, chat_id, session_key, message_id, kind, sender, encrypted_body, reacts_to, mime_type, created_at)
            VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),NULLIF($9,''),$10)
            ON CONFLICT (event_key) DO NOTHING`,
			ev.EventKey, ev.ChatID, ev.SessionKey, ev.MessageID, string(ev.Kind), string(ev.Sender),
			ev.EncryptedBody, ev.ReactsTo, ev.MimeType, ev.CreatedAt.UTC())
		return err
	})
}

func (e *events) List(ctx context.Context, req store.ListEventsRequest) ([]*model.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events WHERE session_key=$1`
	args := []any{req.SessionKey}
	if req.From != nil {
		args = append(args, req.From.UTC())
		q += fmt.Sprintf(` AND created_at>=$%d`, len(args))
	}
	if req.Until != nil {
		args = append(args, req.Until.UTC())
		q += fmt.Sprintf(` AND created_at<=$%d`, len(args))
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
        WHERE chat_id=$1 AND message_id=$2 AND kind='message'
        ORDER BY created_at DESC LIMIT 1`, chatID, messageID)
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
        WHERE session_key=$1 AND kind='message' AND sender='user' AND created_at<=$2`,
		sessionKey, until.UTC()).Scan(&n)
	return n, err
}

func (e *events) PurgeClosedSessions(ctx context.Context, endedBefore time.Time) (int64, error) {
	var n int64
	err := store.Retry(ctx, func() error {
		res, err := e.s.db.ExecContext(ctx, `
            DELETE FROM events WHERE session_key IN (
                SELECT session_key FROM sessions
                WHERE ended_at IS NOT NULL AND ended_at < $1)`, endedBefore.UTC())
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// --- Context artifacts ---

type artifacts struct{ s *pgStore }

func (a *artifacts) Upsert(ctx context.Context, m *model.ContextArtifact) error {
	a.s.cache.Invalidate(m.ArtifactKey)
	return store.Retry(ctx, func() error {
		_, err := a.s.db.ExecContext(ctx, `
            INSERT INTO context_artifacts
                (artifact_key, chat_id, session_key, artifact_type, encrypted_content, created_at)
            VALUES ($1,$2,NULLIF($3,''),$4,$5,$6)
            ON CONFLICT (artifact_key) DO UPDATE SET
                encrypted_content = EXCLUDED.encrypted_content,
                created_at        = EXCLUDED.created_at`,
			m.ArtifactKey, m.ChatID, m.SessionKey, string(m.Type), m.EncryptedContent, m.CreatedAt.UTC())
		return err
	})
}

func (a *artifacts) List(ctx context.Context, req store.ListArtifactsRequest) ([]*model.ContextArtifact, error) {
	q := `SELECT artifact_key, chat_id, session_key, artifact_type, encrypted_content, created_at
        FROM context_artifacts WHERE chat_id=$1`
	args := []any{req.ChatID}
	if req.Type != "" {
		args = append(args, string(req.Type))
		q += fmt.Sprintf(` AND artifact_type=$%d`, len(args))
	}
	if req.SessionKey != "" {
		args = append(args, req.SessionKey)
		q += fmt.Sprintf(` AND session_key=$%d`, len(args))
	}
	if req.From != nil {
		args = append(args, req.From.UTC())
		q += fmt.Sprintf(` AND created_at>=$%d`, len(args))
	}
	if req.Until != nil {
		args = append(args, req.Until.UTC())
		q += fmt.Sprintf(` AND created_at<=$%d`, len(args))
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
		var atype string
		var sessionKey sql.NullString
		if err := rows.Scan(&m.ArtifactKey, &m.ChatID, &sessionKey, &atype, &m.EncryptedContent, &m.CreatedAt); err != nil {
			return nil, err
		}
		if m.Type, err = model.ParseArtifactType(atype); err != nil {
			return nil, err
		}
		m.SessionKey = sessionKey.String
		out = append(out, &m)
	}
	return out, rows.Err()
}

// --- Notifications ---

type notifications struct{ s *pgStore }

func (n *notifications) Enqueue(ctx context.Context, m *model.Notification) error {
	return store.Retry(ctx, func() error {
		_, err := n.s.db.ExecContext(ctx, `
            INSERT INTO notifications (id, chat_id, content, status, created_at, updated_at)
            VALUES ($1,$2,$3,'pending',$4,$4)`,
			m.ID, m.ChatID, m.Content, m.CreatedAt.UTC())
		return err
	})
}

func (n *notifications) NextPending(ctx context.Context, chatID string) (*model.Notification, error) {
	var out model.Notification
	var status string
	row := n.s.db.QueryRowContext(ctx, `
        SELECT id, chat_id, content, status, created_at, updated_at FROM notifications
        WHERE chat_id=$1 AND status='pending' ORDER BY created_at ASC LIMIT 1`, chatID)
	if err := row.Scan(&out.ID, &out.ChatID, &out.Content, &status, &out.CreatedAt, &out.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	out.Status = model.NotificationStatus(status)
	return &out, nil
}

func (n *notifications) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	return store.Retry(ctx, func() error {
		_, err := n.s.db.ExecContext(ctx, `
            UPDATE notifications SET status='completed', updated_at=$2 WHERE id=$1`,
			id, at.UTC())
		return err
	})
}
