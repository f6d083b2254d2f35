package store

import (
	"context"
	"strings"
	"time"
)

const groupCols = `id, uid, token, handle, title, creator_id, created, last_activity,
	default_ban_group_id, welcome_message, welcome_photo, welcome_buttons,
	welcome_latest, chat_instruction, password, private, disabled`

func scanGroup(row interface{ Scan(...any) error }) (*Group, error) {
	var g Group
	var created, lastActivity int64
	if err := row.Scan(&g.ID, &g.UID, &g.Token, &g.Handle, &g.Title, &g.CreatorID,
		&created, &lastActivity, &g.DefaultBanGroupID, &g.WelcomeMessage,
		&g.WelcomePhoto, &g.WelcomeButtons, &g.WelcomeLatest, &g.ChatInstruction,
		&g.Password, &g.Private, &g.Disabled); err != nil {
		return nil, classify(err)
	}
	g.Created = fromTS(created)
	g.LastActivity = fromTS(lastActivity)
	return &g, nil
}

// GroupByToken looks up a relay by its credential token.
func (s *Store) GroupByToken(ctx context.Context, token string) (*Group, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+groupCols+" FROM groups WHERE token = ?", token)
	return scanGroup(row)
}

// GroupByID looks up a relay by primary key.
func (s *Store) GroupByID(ctx context.Context, id int64) (*Group, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+groupCols+" FROM groups WHERE id = ?", id)
	return scanGroup(row)
}

// EnabledGroups returns every relay not marked disabled, oldest first.
func (s *Store) EnabledGroups(ctx context.Context) ([]*Group, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT "+groupCols+" FROM groups WHERE disabled = 0 ORDER BY id")
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var groups []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// AllGroups returns every registered relay including disabled ones,
// oldest first.
func (s *Store) AllGroups(ctx context.Context) ([]*Group, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT "+groupCols+" FROM groups ORDER BY id")
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var groups []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// GroupsOf returns the groups the user belongs to with role >= GUEST.
func (s *Store) GroupsOf(ctx context.Context, user *User, allowDisabled bool) ([]*Group, error) {
	query := "SELECT " + prefixCols(groupCols, "g") + ` FROM groups g
		JOIN members m ON m.group_id = g.id
		WHERE m.user_id = ? AND m.role >= ?`
	if !allowDisabled {
		query += " AND g.disabled = 0"
	}
	rows, err := s.q.QueryContext(ctx, query+" ORDER BY g.id", user.ID, MemberGuest)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var groups []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// CreateGroupParams carries everything needed to register a new relay.
type CreateGroupParams struct {
	UID     int64
	Token   string
	Handle  string
	Title   string
	Creator *User
}

// CreateGroup registers a new relay together with its creator member and
// default ban group in one atomic scope.
func (s *Store) CreateGroup(ctx context.Context, p CreateGroupParams) (*Group, error) {
	var g *Group
	err := s.Atomic(ctx, func(tx *Store) error {
		bg, err := tx.GenerateBanGroup(ctx, DefaultBanTypes, nil)
		if err != nil {
			return err
		}
		now := time.Now()
		res, err := tx.q.ExecContext(ctx,
			`INSERT INTO groups (uid, token, handle, title, creator_id, created, last_activity, default_ban_group_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.UID, p.Token, p.Handle, p.Title, p.Creator.ID, ts(now), ts(now), bg.ID)
		if err != nil {
			return classify(err)
		}
		id, _ := res.LastInsertId()
		g = &Group{
			ID: id, UID: p.UID, Token: p.Token, Handle: p.Handle, Title: p.Title,
			CreatorID: p.Creator.ID, Created: now, LastActivity: now, DefaultBanGroupID: bg.ID,
		}
		_, err = tx.CreateMember(ctx, g, p.Creator, MemberCreator)
		return err
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// SaveGroupProfile persists the fields a relay may change at runtime.
func (s *Store) SaveGroupProfile(ctx context.Context, g *Group) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE groups SET handle = ?, title = ?, welcome_message = ?, welcome_photo = ?,
		 welcome_buttons = ?, welcome_latest = ?, chat_instruction = ?, password = ?, private = ?
		 WHERE id = ?`,
		g.Handle, g.Title, g.WelcomeMessage, g.WelcomePhoto, g.WelcomeButtons,
		g.WelcomeLatest, g.ChatInstruction, g.Password, g.Private, g.ID)
	return classify(err)
}

// SetGroupDisabled flips the disabled flag.
func (s *Store) SetGroupDisabled(ctx context.Context, g *Group, disabled bool) error {
	if _, err := s.q.ExecContext(ctx, "UPDATE groups SET disabled = ? WHERE id = ?", disabled, g.ID); err != nil {
		return classify(err)
	}
	g.Disabled = disabled
	return nil
}

// TouchGroup refreshes the relay's last-activity timestamp.
func (s *Store) TouchGroup(ctx context.Context, g *Group) error {
	now := time.Now()
	if _, err := s.q.ExecContext(ctx, "UPDATE groups SET last_activity = ? WHERE id = ?", ts(now), g.ID); err != nil {
		return classify(err)
	}
	g.LastActivity = now
	return nil
}

// NMembers counts members with role >= GUEST.
func (s *Store) NMembers(ctx context.Context, g *Group) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM members WHERE group_id = ? AND role >= ?", g.ID, MemberGuest).Scan(&n)
	return n, classify(err)
}

// NMembersWithRole counts members with role >= the given role (and >= GUEST).
func (s *Store) NMembersWithRole(ctx context.Context, g *Group, role MemberRole) (int, error) {
	min := role
	if min < MemberGuest {
		min = MemberGuest
	}
	var n int
	err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM members WHERE group_id = ? AND role >= ?", g.ID, min).Scan(&n)
	return n, classify(err)
}

// NMessages counts the messages broadcast in the relay.
func (s *Store) NMessages(ctx context.Context, g *Group) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE group_id = ?", g.ID).Scan(&n)
	return n, classify(err)
}

// prefixCols rewrites "a, b, c" to "t.a, t.b, t.c" for joined selects.
func prefixCols(cols, table string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = table + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
