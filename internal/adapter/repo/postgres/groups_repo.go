package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/b9b4ymiN/jellycore/internal/domain"
)

// GroupRepo persists registered groups, sessions, and chat metadata.
type GroupRepo struct{ Pool PgxPool }

// NewGroupRepo constructs a GroupRepo with the given pool.
func NewGroupRepo(p PgxPool) *GroupRepo { return &GroupRepo{Pool: p} }

// ListGroups returns all registered groups.
func (r *GroupRepo) ListGroups(ctx domain.Context) ([]domain.RegisteredGroup, error) {
	q := `SELECT jid, name, folder, trigger_pattern, requires_trigger, added_at FROM registered_groups ORDER BY added_at`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=group.list: %w", err)
	}
	defer rows.Close()
	var out []domain.RegisteredGroup
	for rows.Next() {
		var g domain.RegisteredGroup
		if err := rows.Scan(&g.JID, &g.Name, &g.Folder, &g.TriggerPattern, &g.RequiresTrigger, &g.AddedAt); err != nil {
			return nil, fmt.Errorf("op=group.list: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// RegisterGroup inserts or refreshes a registered group.
func (r *GroupRepo) RegisterGroup(ctx domain.Context, g domain.RegisteredGroup) error {
	if g.AddedAt.IsZero() {
		g.AddedAt = time.Now().UTC()
	}
	q := `INSERT INTO registered_groups (jid, name, folder, trigger_pattern, requires_trigger, added_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (jid) DO UPDATE SET name=EXCLUDED.name, trigger_pattern=EXCLUDED.trigger_pattern,
			requires_trigger=EXCLUDED.requires_trigger`
	if _, err := r.Pool.Exec(ctx, q, g.JID, g.Name, g.Folder, g.TriggerPattern, g.RequiresTrigger, g.AddedAt); err != nil {
		return fmt.Errorf("op=group.register: %w", err)
	}
	return nil
}

// GetSession returns the persisted resume token for a group folder.
func (r *GroupRepo) GetSession(ctx domain.Context, folder string) (domain.Session, error) {
	var s domain.Session
	err := r.Pool.QueryRow(ctx,
		`SELECT group_folder, token, updated_at FROM sessions WHERE group_folder=$1`, folder).
		Scan(&s.GroupFolder, &s.Token, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Session{}, fmt.Errorf("op=group.get_session: %w", domain.ErrNotFound)
		}
		return domain.Session{}, fmt.Errorf("op=group.get_session: %w", err)
	}
	return s, nil
}

// SaveSession upserts the resume token for a group folder.
func (r *GroupRepo) SaveSession(ctx domain.Context, s domain.Session) error {
	q := `INSERT INTO sessions (group_folder, token, updated_at) VALUES ($1,$2,$3)
		ON CONFLICT (group_folder) DO UPDATE SET token=EXCLUDED.token, updated_at=EXCLUDED.updated_at`
	if _, err := r.Pool.Exec(ctx, q, s.GroupFolder, s.Token, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=group.save_session: %w", err)
	}
	return nil
}

// ClearSession drops a group's resume token.
func (r *GroupRepo) ClearSession(ctx domain.Context, folder string) error {
	if _, err := r.Pool.Exec(ctx, `DELETE FROM sessions WHERE group_folder=$1`, folder); err != nil {
		return fmt.Errorf("op=group.clear_session: %w", err)
	}
	return nil
}

// UpsertChatMetadata records the last-known display name of a chat.
func (r *GroupRepo) UpsertChatMetadata(ctx domain.Context, m domain.ChatMetadata) error {
	q := `INSERT INTO chat_metadata (chat_jid, name, ts) VALUES ($1,$2,$3)
		ON CONFLICT (chat_jid) DO UPDATE SET name=EXCLUDED.name, ts=EXCLUDED.ts`
	if _, err := r.Pool.Exec(ctx, q, m.ChatJID, m.Name, m.Timestamp.UTC()); err != nil {
		return fmt.Errorf("op=group.upsert_chat_metadata: %w", err)
	}
	return nil
}
