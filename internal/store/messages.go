package store

import (
	"context"
	"database/sql"
	"time"
)

const messageCols = "id, group_id, mid, member_id, mask, pinned, reply_to_id, created, updated"

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var replyTo sql.NullInt64
	var created, updated int64
	if err := row.Scan(&m.ID, &m.GroupID, &m.MID, &m.MemberID, &m.Mask, &m.Pinned,
		&replyTo, &created, &updated); err != nil {
		return nil, classify(err)
	}
	m.ReplyToID = fromNullID(replyTo)
	m.Created = fromTS(created)
	m.Updated = fromTS(updated)
	return &m, nil
}

// CreateMessage records an accepted broadcast.
func (s *Store) CreateMessage(ctx context.Context, g *Group, m *Member, mid int64, mask string, replyTo *Message) (*Message, error) {
	now := time.Now()
	var replyID *int64
	if replyTo != nil {
		replyID = &replyTo.ID
	}
	res, err := s.q.ExecContext(ctx,
		"INSERT INTO messages (group_id, mid, member_id, mask, reply_to_id, created, updated) VALUES (?, ?, ?, ?, ?, ?, ?)",
		g.ID, mid, m.ID, mask, nullID(replyID), ts(now), ts(now))
	if err != nil {
		return nil, classify(err)
	}
	id, _ := res.LastInsertId()
	return &Message{ID: id, GroupID: g.ID, MID: mid, MemberID: m.ID, Mask: mask, ReplyToID: replyID, Created: now, Updated: now}, nil
}

// MessageByID loads a message by primary key.
func (s *Store) MessageByID(ctx context.Context, id int64) (*Message, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+messageCols+" FROM messages WHERE id = ?", id)
	return scanMessage(row)
}

// MessageBySender finds the message with the given sender-side mid owned by
// the member.
func (s *Store) MessageBySender(ctx context.Context, m *Member, mid int64) (*Message, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+messageCols+" FROM messages WHERE member_id = ? AND mid = ?", m.ID, mid)
	return scanMessage(row)
}

// TouchMessage refreshes the updated timestamp after an edit.
func (s *Store) TouchMessage(ctx context.Context, m *Message) error {
	now := time.Now()
	if _, err := s.q.ExecContext(ctx, "UPDATE messages SET updated = ? WHERE id = ?", ts(now), m.ID); err != nil {
		return classify(err)
	}
	m.Updated = now
	return nil
}

// SetMessagePinned flips the pinned flag.
func (s *Store) SetMessagePinned(ctx context.Context, m *Message, pinned bool) error {
	if _, err := s.q.ExecContext(ctx, "UPDATE messages SET pinned = ? WHERE id = ?", pinned, m.ID); err != nil {
		return classify(err)
	}
	m.Pinned = pinned
	return nil
}

// RecordRedirect creates the redirect row for one delivered copy. Duplicate
// insertion for the same (recipient, mid) or (message, recipient) violates a
// uniqueness constraint and surfaces ErrConflict.
func (s *Store) RecordRedirect(ctx context.Context, msg *Message, to *Member, mid int64) (*RedirectedMessage, error) {
	now := time.Now()
	res, err := s.q.ExecContext(ctx,
		"INSERT INTO redirected_messages (mid, message_id, to_member_id, created) VALUES (?, ?, ?, ?)",
		mid, msg.ID, to.ID, ts(now))
	if err != nil {
		return nil, classify(err)
	}
	id, _ := res.LastInsertId()
	return &RedirectedMessage{ID: id, MID: mid, MessageID: msg.ID, ToMemberID: to.ID, Created: now}, nil
}

const redirectCols = "id, mid, message_id, to_member_id, created"

func scanRedirect(row interface{ Scan(...any) error }) (*RedirectedMessage, error) {
	var r RedirectedMessage
	var created int64
	if err := row.Scan(&r.ID, &r.MID, &r.MessageID, &r.ToMemberID, &created); err != nil {
		return nil, classify(err)
	}
	r.Created = fromTS(created)
	return &r, nil
}

// RedirectFor returns the recipient-side copy of the message, or ErrNotFound.
func (s *Store) RedirectFor(ctx context.Context, msg *Message, to *Member) (*RedirectedMessage, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+redirectCols+" FROM redirected_messages WHERE message_id = ? AND to_member_id = ?", msg.ID, to.ID)
	return scanRedirect(row)
}

// ReverseRedirect resolves a recipient-side mid back to the source message.
// Used when a member replies to a forwarded copy.
func (s *Store) ReverseRedirect(ctx context.Context, to *Member, mid int64) (*Message, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+prefixCols(messageCols, "m")+` FROM messages m
		 JOIN redirected_messages r ON r.message_id = m.id
		 WHERE r.to_member_id = ? AND r.mid = ?`, to.ID, mid)
	return scanMessage(row)
}

// NotRedirectedMessages returns the newest limit messages of the group that
// have no copy at the member, excluding the member's own, newest first.
// pinned narrows the set to pinned messages.
func (s *Store) NotRedirectedMessages(ctx context.Context, g *Group, to *Member, pinned bool, limit int) ([]*Message, error) {
	query := `SELECT ` + prefixCols(messageCols, "m") + ` FROM messages m
		WHERE m.group_id = ? AND m.member_id != ?
		AND NOT EXISTS (SELECT 1 FROM redirected_messages r WHERE r.message_id = m.id AND r.to_member_id = ?)`
	if pinned {
		query += " AND m.pinned = 1"
	}
	query += " ORDER BY m.id DESC LIMIT ?"
	rows, err := s.q.QueryContext(ctx, query, g.ID, to.ID, to.ID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// PinnedMessages returns the pinned messages of the group, newest first.
func (s *Store) PinnedMessages(ctx context.Context, g *Group, limit int) ([]*Message, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+messageCols+" FROM messages WHERE group_id = ? AND pinned = 1 ORDER BY id DESC LIMIT ?", g.ID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
