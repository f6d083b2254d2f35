package store

import (
	"context"
	"time"
)

// CreatePMMessage records a tunneled private message. mid is the sender-side
// message id, redirectedMID the copy delivered to the recipient.
func (s *Store) CreatePMMessage(ctx context.Context, g *Group, from, to *Member, mid, redirectedMID int64) (*PMMessage, error) {
	now := time.Now()
	res, err := s.q.ExecContext(ctx,
		"INSERT INTO pm_messages (group_id, from_member_id, to_member_id, mid, redirected_mid, created) VALUES (?, ?, ?, ?, ?, ?)",
		g.ID, from.ID, to.ID, mid, redirectedMID, ts(now))
	if err != nil {
		return nil, classify(err)
	}
	id, _ := res.LastInsertId()
	return &PMMessage{ID: id, GroupID: g.ID, FromMemberID: from.ID, ToMemberID: to.ID, MID: mid, RedirectedMID: redirectedMID, Created: now}, nil
}

const pmCols = "id, group_id, from_member_id, to_member_id, mid, redirected_mid, created"

func scanPM(row interface{ Scan(...any) error }) (*PMMessage, error) {
	var pm PMMessage
	var created int64
	if err := row.Scan(&pm.ID, &pm.GroupID, &pm.FromMemberID, &pm.ToMemberID,
		&pm.MID, &pm.RedirectedMID, &created); err != nil {
		return nil, classify(err)
	}
	pm.Created = fromTS(created)
	return &pm, nil
}

// PMByRedirected resolves the recipient-side mid of a tunneled private
// message back to its record. Used when a member replies to a PM copy.
func (s *Store) PMByRedirected(ctx context.Context, to *Member, redirectedMID int64) (*PMMessage, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+pmCols+" FROM pm_messages WHERE to_member_id = ? AND redirected_mid = ?", to.ID, redirectedMID)
	return scanPM(row)
}

// PMBanned reports whether private messages from one member to another are
// suppressed.
func (s *Store) PMBanned(ctx context.Context, from, to *Member) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pm_bans WHERE from_member_id = ? AND to_member_id = ? AND (until IS NULL OR until > ?)",
		from.ID, to.ID, ts(time.Now())).Scan(&n)
	if err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}

// AddPMBan suppresses private messages from one member to another.
func (s *Store) AddPMBan(ctx context.Context, g *Group, from, to *Member, until *time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO pm_bans (group_id, from_member_id, to_member_id, created, until) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (from_member_id, to_member_id) DO UPDATE SET until = excluded.until`,
		g.ID, from.ID, to.ID, ts(time.Now()), tsPtr(until))
	return classify(err)
}

// RemovePMBan lifts the suppression.
func (s *Store) RemovePMBan(ctx context.Context, from, to *Member) error {
	_, err := s.q.ExecContext(ctx,
		"DELETE FROM pm_bans WHERE from_member_id = ? AND to_member_id = ?", from.ID, to.ID)
	return classify(err)
}
