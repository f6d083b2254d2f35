package store

import (
	"context"
	"time"
)

// GenerateBanGroup creates a ban group holding the given denials.
func (s *Store) GenerateBanGroup(ctx context.Context, types []BanType, until *time.Time) (*BanGroup, error) {
	var bg *BanGroup
	err := s.Atomic(ctx, func(tx *Store) error {
		now := time.Now()
		res, err := tx.q.ExecContext(ctx, "INSERT INTO ban_groups (created, until) VALUES (?, ?)", ts(now), tsPtr(until))
		if err != nil {
			return classify(err)
		}
		id, _ := res.LastInsertId()
		bg = &BanGroup{ID: id, Created: now, Until: until}
		for _, t := range types {
			if _, err := tx.q.ExecContext(ctx,
				"INSERT INTO ban_group_entries (type, ban_group_id) VALUES (?, ?)", t, id); err != nil {
				return classify(err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bg, nil
}

// BanGroupByID loads a ban group header.
func (s *Store) BanGroupByID(ctx context.Context, id int64) (*BanGroup, error) {
	var bg BanGroup
	var created int64
	var until = tsPtr(nil)
	row := s.q.QueryRowContext(ctx, "SELECT id, created, until FROM ban_groups WHERE id = ?", id)
	if err := row.Scan(&bg.ID, &created, &until); err != nil {
		return nil, classify(err)
	}
	bg.Created = fromTS(created)
	bg.Until = fromTSPtr(until)
	return &bg, nil
}

// BanGroupContains reports whether the ban group denies the capability. An
// expired ban group denies nothing.
func (s *Store) BanGroupContains(ctx context.Context, id int64, t BanType) (bool, *time.Time, error) {
	bg, err := s.BanGroupByID(ctx, id)
	if err != nil {
		return false, nil, err
	}
	if bg.Until != nil && bg.Until.Before(time.Now()) {
		return false, nil, nil
	}
	var n int
	err = s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ban_group_entries WHERE ban_group_id = ? AND type = ?", id, t).Scan(&n)
	if err != nil {
		return false, nil, classify(err)
	}
	return n > 0, bg.Until, nil
}

// BanGroupTypes lists the denials in the ban group.
func (s *Store) BanGroupTypes(ctx context.Context, id int64) ([]BanType, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT type FROM ban_group_entries WHERE ban_group_id = ? ORDER BY type", id)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var types []BanType
	for rows.Next() {
		var t BanType
		if err := rows.Scan(&t); err != nil {
			return nil, classify(err)
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

// DeleteBanGroup removes a ban group; entries cascade.
func (s *Store) DeleteBanGroup(ctx context.Context, id int64) error {
	_, err := s.q.ExecContext(ctx, "DELETE FROM ban_groups WHERE id = ?", id)
	return classify(err)
}
