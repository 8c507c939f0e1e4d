package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"warden.org/internal/authz"
	"warden.org/internal/obs"
)

var (
	_ authz.Source      = (*Store)(nil)
	_ authz.Linker      = (*Store)(nil)
	_ authz.WindowStore = (*Store)(nil)
)

// Authorizations reads every linked member with its window and the platform
// roles granted through active group membership.
func (s *Store) Authorizations(ctx context.Context) (authz.Snapshot, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select user_id, discord_member_id, coalesce(ping_start_hour, 0), coalesce(ping_stop_hour, 0)
		from discord_auth
		where discord_auth_token <> ''
		  and discord_member_id is not null
		  and discord_member_id <> ''
	`)
	if err != nil {
		return nil, fmt.Errorf("pg: authorizations: %w", err)
	}
	defer rows.Close()

	snap := authz.Snapshot{}
	for rows.Next() {
		var rec authz.Record
		if err := rows.Scan(&rec.UserID, &rec.MemberID, &rec.Window.Start, &rec.Window.Stop); err != nil {
			return nil, fmt.Errorf("pg: scan authorization: %w", err)
		}
		if !rec.Window.Valid() {
			s.log.Warn("invalid ping window, treating as always on",
				obs.MemberID(rec.MemberID), zap.Int("start", rec.Window.Start), zap.Int("stop", rec.Window.Stop))
			rec.Window = authz.Window{}
		}
		snap[rec.MemberID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachBaseRoles(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Store) attachBaseRoles(ctx context.Context, snap authz.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `
		select a.discord_member_id, g.discord_group_id
		from groups g
		join group_membership m on m.group_id = g.group_id
		join discord_auth a on a.user_id = m.user_id
		where m.state <= 1
		  and g.discord_group_id <> 0
		  and a.discord_member_id <> ''
		order by a.discord_member_id, g.discord_group_id
	`)
	if err != nil {
		return fmt.Errorf("pg: base roles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			memberID string
			roleID   int64
		)
		if err := rows.Scan(&memberID, &roleID); err != nil {
			return fmt.Errorf("pg: scan base role: %w", err)
		}
		rec, ok := snap[memberID]
		if !ok {
			continue
		}
		rec.BaseRoles = append(rec.BaseRoles, strconv.FormatInt(roleID, 10))
		snap[memberID] = rec
	}
	return rows.Err()
}

// RedeemAuthCode binds memberID to the unredeemed row carrying code.
func (s *Store) RedeemAuthCode(ctx context.Context, code, memberID string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update discord_auth
		set discord_member_id = $1
		where discord_auth_token = $2
		  and (discord_member_id is null or discord_member_id = '')
	`, memberID, code)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return authz.ErrAlreadyLinked
		}
		return fmt.Errorf("pg: redeem auth code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return authz.ErrUnknownCode
	}
	return nil
}

func (s *Store) IsLinked(ctx context.Context, memberID string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	var linked bool
	err := s.db.QueryRowContext(ctx, `
		select exists(
			select 1 from discord_auth
			where discord_member_id = $1 and discord_auth_token <> ''
		)
	`, memberID).Scan(&linked)
	if err != nil {
		return false, fmt.Errorf("pg: is linked: %w", err)
	}
	return linked, nil
}

func (s *Store) Character(ctx context.Context, memberID string) (authz.Character, error) {
	if s.db == nil {
		return authz.Character{}, errNoDB
	}
	var (
		c    authz.Character
		corp sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select c.character_id, c.character_name, c.corp_name
		from discord_auth a
		join auth_users b on b.user_id = a.user_id
		join api_characters c on c.user_id = b.user_id and c.character_id = b.has_regged_main
		where a.discord_member_id = $1
	`, memberID).Scan(&c.ID, &c.Name, &corp)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Character{}, authz.ErrNotFound
	}
	if err != nil {
		return authz.Character{}, fmt.Errorf("pg: character: %w", err)
	}
	c.Corp = trimmed(corp)
	return c, nil
}

func (s *Store) UpdatePingWindow(ctx context.Context, memberID string, w authz.Window) error {
	if s.db == nil {
		return errNoDB
	}
	if !w.Valid() {
		return fmt.Errorf("%w: %d-%d", authz.ErrInvalidWindow, w.Start, w.Stop)
	}
	res, err := s.db.ExecContext(ctx, `
		update discord_auth set ping_start_hour = $1, ping_stop_hour = $2
		where discord_member_id = $3
	`, w.Start, w.Stop, memberID)
	if err != nil {
		return fmt.Errorf("pg: update ping window: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return authz.ErrNotFound
	}
	return nil
}
