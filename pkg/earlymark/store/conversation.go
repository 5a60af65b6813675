package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/domain"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/memory"
)

// ── domain.TurnWriter / HistoryReader ──

// AppendTurn stores a turn. Turns are ordered by insertion within a
// conversation, independent of CreatedAt.
func (s *Store) AppendTurn(ctx context.Context, t domain.ConversationTurn) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	var args string
	if len(t.ToolArgs) > 0 {
		b, err := json.Marshal(t.ToolArgs)
		if err != nil {
			return fmt.Errorf("encode tool args: %w", err)
		}
		args = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_turns (id, workspace_id, conversation_ref, channel, role, content,
			tool_name, tool_call_id, tool_args, tool_error, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM conversation_turns WHERE workspace_id = ? AND conversation_ref = ?))`,
		t.ID, t.WorkspaceID, t.ConversationRef, string(t.Channel), string(t.Role), t.Content,
		t.ToolName, t.ToolCallID, args, t.ToolError, formatTime(t.CreatedAt),
		t.WorkspaceID, t.ConversationRef,
	)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit turns, most recent first.
func (s *Store) RecentTurns(ctx context.Context, workspaceID, conversationRef string, limit int) ([]domain.ConversationTurn, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, conversation_ref, channel, role, content, tool_name, tool_call_id,
			tool_args, tool_error, created_at
		FROM conversation_turns
		WHERE workspace_id = ? AND conversation_ref = ?
		ORDER BY seq DESC LIMIT ?`, workspaceID, conversationRef, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []domain.ConversationTurn
	for rows.Next() {
		var (
			t                         domain.ConversationTurn
			channel, role, args, when string
		)
		if err := rows.Scan(&t.ID, &t.WorkspaceID, &t.ConversationRef, &channel, &role, &t.Content,
			&t.ToolName, &t.ToolCallID, &args, &t.ToolError, &when); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Channel = domain.Channel(channel)
		t.Role = domain.Role(role)
		t.CreatedAt = parseTime(when)
		if args != "" {
			if err := json.Unmarshal([]byte(args), &t.ToolArgs); err != nil {
				s.logger.Warn("ignoring malformed tool args", "turn", t.ID, "error", err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ── memory.Source ──

func (s *Store) SaveMemoryEntry(ctx context.Context, e memory.Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_entries (id, workspace_id, content, embedding, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.WorkspaceID, e.Content, encodeVector(e.Embedding), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}

func (s *Store) MemoryEntries(ctx context.Context, workspaceID string) ([]memory.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, content, embedding, created_at FROM memory_entries
		WHERE workspace_id = ? ORDER BY created_at`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []memory.Entry
	for rows.Next() {
		var (
			e    memory.Entry
			blob []byte
			when string
		)
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.Content, &blob, &when); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		e.Embedding = decodeVector(blob)
		e.CreatedAt = parseTime(when)
		out = append(out, e)
	}
	return out, rows.Err()
}

// encodeVector packs v as little-endian float32s; nil stays NULL.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
