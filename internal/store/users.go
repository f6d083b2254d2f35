package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"math/big"
	"time"
)

const userCols = "id, uid, username, first_name, last_name, created"

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var created int64
	if err := row.Scan(&u.ID, &u.UID, &u.Username, &u.FirstName, &u.LastName, &created); err != nil {
		return nil, classify(err)
	}
	u.Created = fromTS(created)
	return &u, nil
}

// UserByUID looks up a user by platform id. Returns ErrNotFound if absent.
func (s *Store) UserByUID(ctx context.Context, uid int64) (*User, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+userCols+" FROM users WHERE uid = ?", uid)
	return scanUser(row)
}

// UserByID looks up a user by primary key.
func (s *Store) UserByID(ctx context.Context, id int64) (*User, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+userCols+" FROM users WHERE id = ?", id)
	return scanUser(row)
}

// TouchUser creates the user row on first contact and refreshes the display
// names on every later one. The very first user recorded becomes the system
// creator and admin.
func (s *Store) TouchUser(ctx context.Context, uid int64, username, firstName, lastName string) (*User, error) {
	u, err := s.UserByUID(ctx, uid)
	if err == nil {
		if u.Username != username || u.FirstName != firstName || u.LastName != lastName {
			if _, err := s.q.ExecContext(ctx,
				"UPDATE users SET username = ?, first_name = ?, last_name = ? WHERE id = ?",
				username, firstName, lastName, u.ID); err != nil {
				return nil, classify(err)
			}
			u.Username, u.FirstName, u.LastName = username, firstName, lastName
		}
		return u, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	var created *User
	err = s.Atomic(ctx, func(tx *Store) error {
		now := time.Now()
		res, err := tx.q.ExecContext(ctx,
			"INSERT INTO users (uid, username, first_name, last_name, created) VALUES (?, ?, ?, ?, ?)",
			uid, username, firstName, lastName, ts(now))
		if err != nil {
			return classify(err)
		}
		id, _ := res.LastInsertId()
		created = &User{ID: id, UID: uid, Username: username, FirstName: firstName, LastName: lastName, Created: now}

		var n int
		if err := tx.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
			return classify(err)
		}
		if n == 1 {
			return tx.AddRole(ctx, created, []UserRole{UserCreator, UserAdmin}, nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

const validationCols = "id, user_id, role, until, created"

func scanValidation(row interface{ Scan(...any) error }) (*Validation, error) {
	var v Validation
	var until sql.NullInt64
	var created int64
	if err := row.Scan(&v.ID, &v.UserID, &v.Role, &until, &created); err != nil {
		return nil, classify(err)
	}
	v.Until = fromTSPtr(until)
	v.Created = fromTS(created)
	return &v, nil
}

// liveValidation returns the unexpired grant of the role, or ErrNotFound.
func (s *Store) liveValidation(ctx context.Context, userID int64, role UserRole) (*Validation, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+validationCols+" FROM validations WHERE user_id = ? AND role = ? AND (until IS NULL OR until > ?) ORDER BY id DESC LIMIT 1",
		userID, role, ts(time.Now()))
	return scanValidation(row)
}

// HasRole reports whether the user holds any of the given roles with an
// unexpired grant.
func (s *Store) HasRole(ctx context.Context, user *User, roles ...UserRole) (bool, error) {
	for _, r := range roles {
		_, err := s.liveValidation(ctx, user.ID, r)
		if err == nil {
			return true, nil
		}
		if err != ErrNotFound {
			return false, err
		}
	}
	return false, nil
}

// Roles enumerates the live roles of the user.
func (s *Store) Roles(ctx context.Context, user *User) ([]UserRole, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT DISTINCT role FROM validations WHERE user_id = ? AND (until IS NULL OR until > ?) ORDER BY role",
		user.ID, ts(time.Now()))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var roles []UserRole
	for rows.Next() {
		var r UserRole
		if err := rows.Scan(&r); err != nil {
			return nil, classify(err)
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// AddValidation grants a role. If an unexpired grant already exists its
// expiry is extended by days; otherwise a fresh grant is created. days nil
// means permanent. fromRequest, when set, is back-linked to the grant.
func (s *Store) AddValidation(ctx context.Context, user *User, role UserRole, days *int, fromRequest *ValidationRequest) error {
	return s.Atomic(ctx, func(tx *Store) error {
		now := time.Now()
		v, err := tx.liveValidation(ctx, user.ID, role)
		switch err {
		case nil:
			var until sql.NullInt64
			if days != nil && v.Until != nil {
				until = sql.NullInt64{Int64: ts(v.Until.Add(time.Duration(*days) * 24 * time.Hour)), Valid: true}
			}
			if _, err := tx.q.ExecContext(ctx, "UPDATE validations SET until = ? WHERE id = ?", until, v.ID); err != nil {
				return classify(err)
			}
		case ErrNotFound:
			var until sql.NullInt64
			if days != nil {
				until = sql.NullInt64{Int64: ts(now.Add(time.Duration(*days) * 24 * time.Hour)), Valid: true}
			}
			res, err := tx.q.ExecContext(ctx,
				"INSERT INTO validations (user_id, role, until, created) VALUES (?, ?, ?, ?)",
				user.ID, role, until, ts(now))
			if err != nil {
				return classify(err)
			}
			id, _ := res.LastInsertId()
			v = &Validation{ID: id}
		default:
			return err
		}
		if fromRequest != nil {
			if _, err := tx.q.ExecContext(ctx, "UPDATE validation_requests SET used = ? WHERE id = ?", v.ID, fromRequest.ID); err != nil {
				return classify(err)
			}
			fromRequest.UsedID = &v.ID
		}
		return nil
	})
}

// AddRole grants roles directly, recording a consumed request per role so
// every grant has a provenance row.
func (s *Store) AddRole(ctx context.Context, user *User, roles []UserRole, days *int) error {
	return s.Atomic(ctx, func(tx *Store) error {
		for _, r := range roles {
			req, err := tx.createRequest(ctx, user, "", r, days)
			if err != nil {
				return err
			}
			if err := tx.AddValidation(ctx, user, r, days, req); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveRole expires all live grants of the given roles (all roles when
// empty). Returns the number of grants expired.
func (s *Store) RemoveRole(ctx context.Context, user *User, roles ...UserRole) (int, error) {
	now := ts(time.Now())
	query := "UPDATE validations SET until = ? WHERE user_id = ? AND (until IS NULL OR until > ?)"
	args := []any{now, user.ID, now}
	if len(roles) > 0 {
		query += " AND role IN (" + placeholders(len(roles)) + ")"
		for _, r := range roles {
			args = append(args, r)
		}
	}
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// codeAlphabet excludes the ambiguous "0" and "O".
const codeAlphabet = "123456789ABCDEFGHIJKLMNPQRSTUVWXYZ"

// RandomCode draws a code from the unambiguous alphabet.
func RandomCode(length int) string { return randomCode(length) }

func randomCode(length int) string {
	buf := make([]byte, length)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(fmt.Sprintf("crypto/rand: %v", err))
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf)
}

func (s *Store) createRequest(ctx context.Context, creator *User, code string, role UserRole, days *int) (*ValidationRequest, error) {
	var d sql.NullInt64
	if days != nil {
		d = sql.NullInt64{Int64: int64(*days), Valid: true}
	}
	now := time.Now()
	res, err := s.q.ExecContext(ctx,
		"INSERT INTO validation_requests (code, role, days, created, created_by) VALUES (?, ?, ?, ?, ?)",
		code, role, d, ts(now), creator.ID)
	if err != nil {
		return nil, classify(err)
	}
	id, _ := res.LastInsertId()
	return &ValidationRequest{ID: id, Code: code, Role: role, Days: days, Created: now, CreatedByID: creator.ID}, nil
}

// CreateCodes generates num random redeem codes, each granting all the given
// roles for days (nil = permanent).
func (s *Store) CreateCodes(ctx context.Context, creator *User, roles []UserRole, days *int, length, num int) ([]string, error) {
	codes := make([]string, 0, num)
	err := s.Atomic(ctx, func(tx *Store) error {
		for i := 0; i < num; i++ {
			code := randomCode(length)
			for _, r := range roles {
				if _, err := tx.createRequest(ctx, creator, code, r, days); err != nil {
					return err
				}
			}
			codes = append(codes, code)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// UseCode atomically consumes every unused request carrying the code and
// grants the user the corresponding roles. Consumed requests keep their
// back-link and are never consumed twice, so redemption is idempotent per
// (code, role).
func (s *Store) UseCode(ctx context.Context, user *User, code string) ([]*ValidationRequest, error) {
	var used []*ValidationRequest
	err := s.Atomic(ctx, func(tx *Store) error {
		rows, err := tx.q.QueryContext(ctx,
			"SELECT id, code, role, days, created, created_by, used FROM validation_requests WHERE code = ? AND code != '' AND used IS NULL",
			code)
		if err != nil {
			return classify(err)
		}
		var pending []*ValidationRequest
		for rows.Next() {
			var r ValidationRequest
			var days, usedID sql.NullInt64
			var created int64
			if err := rows.Scan(&r.ID, &r.Code, &r.Role, &days, &created, &r.CreatedByID, &usedID); err != nil {
				rows.Close()
				return classify(err)
			}
			if days.Valid {
				d := int(days.Int64)
				r.Days = &d
			}
			r.Created = fromTS(created)
			r.UsedID = fromNullID(usedID)
			pending = append(pending, &r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return classify(err)
		}
		for _, r := range pending {
			if err := tx.AddValidation(ctx, user, r.Role, r.Days, r); err != nil {
				return err
			}
			used = append(used, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return used, nil
}

// GrantFrom grants a role on behalf of another user, keeping the grantor as
// the provenance of the consumed request. Used for invite fulfillment.
func (s *Store) GrantFrom(ctx context.Context, grantor, user *User, role UserRole, days *int) error {
	return s.Atomic(ctx, func(tx *Store) error {
		req, err := tx.createRequest(ctx, grantor, "", role, days)
		if err != nil {
			return err
		}
		return tx.AddValidation(ctx, user, role, days, req)
	})
}

// InviterOf walks the provenance of the user's live INVITED grant back to the
// user who issued it. Returns ErrNotFound when the user was not invited or
// the grant expired.
func (s *Store) InviterOf(ctx context.Context, user *User) (*User, error) {
	v, err := s.liveValidation(ctx, user.ID, UserInvited)
	if err != nil {
		return nil, err
	}
	var creatorID int64
	err = s.q.QueryRowContext(ctx,
		"SELECT created_by FROM validation_requests WHERE used = ?", v.ID).Scan(&creatorID)
	if err != nil {
		return nil, classify(err)
	}
	inviter, err := s.UserByID(ctx, creatorID)
	if err != nil {
		return nil, err
	}
	if inviter.ID == user.ID {
		return nil, ErrNotFound
	}
	return inviter, nil
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	out := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
