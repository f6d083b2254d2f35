package store

import (
	"context"
	"database/sql"
	"time"
)

const memberCols = `id, group_id, user_id, role, created, last_activity,
	last_mask, pinned_mask, ban_group_id, invitor_id`

func scanMember(row interface{ Scan(...any) error }) (*Member, error) {
	var m Member
	var created, lastActivity int64
	var banGroup, invitor sql.NullInt64
	if err := row.Scan(&m.ID, &m.GroupID, &m.UserID, &m.Role, &created, &lastActivity,
		&m.LastMask, &m.PinnedMask, &banGroup, &invitor); err != nil {
		return nil, classify(err)
	}
	m.Created = fromTS(created)
	m.LastActivity = fromTS(lastActivity)
	m.BanGroupID = fromNullID(banGroup)
	m.InvitorID = fromNullID(invitor)
	return &m, nil
}

// MemberOf returns the user's membership in the group, or ErrNotFound.
func (s *Store) MemberOf(ctx context.Context, g *Group, user *User) (*Member, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+memberCols+" FROM members WHERE group_id = ? AND user_id = ?", g.ID, user.ID)
	return scanMember(row)
}

// MemberByID looks up a member by primary key.
func (s *Store) MemberByID(ctx context.Context, id int64) (*Member, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+memberCols+" FROM members WHERE id = ?", id)
	return scanMember(row)
}

// MemberByPinnedMask finds the member currently pinning the given mask.
func (s *Store) MemberByPinnedMask(ctx context.Context, g *Group, mask string) (*Member, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+memberCols+" FROM members WHERE group_id = ? AND pinned_mask = ?", g.ID, mask)
	return scanMember(row)
}

// CreateMember adds the user to the group with the given role.
func (s *Store) CreateMember(ctx context.Context, g *Group, user *User, role MemberRole) (*Member, error) {
	now := time.Now()
	res, err := s.q.ExecContext(ctx,
		"INSERT INTO members (group_id, user_id, role, created, last_activity) VALUES (?, ?, ?, ?, ?)",
		g.ID, user.ID, role, ts(now), ts(now))
	if err != nil {
		return nil, classify(err)
	}
	id, _ := res.LastInsertId()
	return &Member{ID: id, GroupID: g.ID, UserID: user.ID, Role: role, Created: now, LastActivity: now}, nil
}

// Recipients enumerates members with role >= GUEST, the fan-out population.
func (s *Store) Recipients(ctx context.Context, g *Group) ([]*Member, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+memberCols+" FROM members WHERE group_id = ? AND role >= ? ORDER BY id", g.ID, MemberGuest)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var members []*Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// SetMemberRole persists a role transition.
func (s *Store) SetMemberRole(ctx context.Context, m *Member, role MemberRole) error {
	if _, err := s.q.ExecContext(ctx, "UPDATE members SET role = ? WHERE id = ?", role, m.ID); err != nil {
		return classify(err)
	}
	m.Role = role
	return nil
}

// SetLastMask records the mask used for the member's latest broadcast.
func (s *Store) SetLastMask(ctx context.Context, m *Member, mask string) error {
	if _, err := s.q.ExecContext(ctx, "UPDATE members SET last_mask = ? WHERE id = ?", mask, m.ID); err != nil {
		return classify(err)
	}
	m.LastMask = mask
	return nil
}

// SetPinnedMask pins (or clears, with "") the member's mask.
func (s *Store) SetPinnedMask(ctx context.Context, m *Member, mask string) error {
	if _, err := s.q.ExecContext(ctx, "UPDATE members SET pinned_mask = ? WHERE id = ?", mask, m.ID); err != nil {
		return classify(err)
	}
	m.PinnedMask = mask
	return nil
}

// SetInvitor records which member's invite code admitted this one.
func (s *Store) SetInvitor(ctx context.Context, m *Member, invitor *Member) error {
	if _, err := s.q.ExecContext(ctx, "UPDATE members SET invitor_id = ? WHERE id = ?", invitor.ID, m.ID); err != nil {
		return classify(err)
	}
	m.InvitorID = &invitor.ID
	return nil
}

// TouchMember refreshes the member's last-activity timestamp.
func (s *Store) TouchMember(ctx context.Context, m *Member) error {
	now := time.Now()
	if _, err := s.q.ExecContext(ctx, "UPDATE members SET last_activity = ? WHERE id = ?", ts(now), m.ID); err != nil {
		return classify(err)
	}
	m.LastActivity = now
	return nil
}

// NMemberMessages counts the broadcasts sent by the member.
func (s *Store) NMemberMessages(ctx context.Context, m *Member) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE member_id = ?", m.ID).Scan(&n)
	return n, classify(err)
}

// ReplaceMemberBanGroup atomically generates a new ban group for the member,
// points the member at it, and deletes the old one. Empty types clear the
// member override entirely.
func (s *Store) ReplaceMemberBanGroup(ctx context.Context, m *Member, types []BanType, until *time.Time) error {
	return s.Atomic(ctx, func(tx *Store) error {
		old := m.BanGroupID
		var next sql.NullInt64
		if len(types) > 0 {
			bg, err := tx.GenerateBanGroup(ctx, types, until)
			if err != nil {
				return err
			}
			next = sql.NullInt64{Int64: bg.ID, Valid: true}
		}
		if _, err := tx.q.ExecContext(ctx, "UPDATE members SET ban_group_id = ? WHERE id = ?", next, m.ID); err != nil {
			return classify(err)
		}
		m.BanGroupID = fromNullID(next)
		if old != nil {
			if err := tx.DeleteBanGroup(ctx, *old); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceGroupBanGroup does the same for the group default.
func (s *Store) ReplaceGroupBanGroup(ctx context.Context, g *Group, types []BanType, until *time.Time) error {
	return s.Atomic(ctx, func(tx *Store) error {
		old := g.DefaultBanGroupID
		bg, err := tx.GenerateBanGroup(ctx, types, until)
		if err != nil {
			return err
		}
		if _, err := tx.q.ExecContext(ctx, "UPDATE groups SET default_ban_group_id = ? WHERE id = ?", bg.ID, g.ID); err != nil {
			return classify(err)
		}
		g.DefaultBanGroupID = bg.ID
		return tx.DeleteBanGroup(ctx, old)
	})
}
