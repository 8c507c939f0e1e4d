package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"warden.org/internal/broadcast"
	"warden.org/internal/watcher"
)

var (
	_ broadcast.Feed = (*Store)(nil)
	_ watcher.Feed   = (*Store)(nil)
)

// NewMessages returns ping log entries after lastID in timestamp order.
func (s *Store) NewMessages(ctx context.Context, lastID int64) ([]broadcast.Message, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, coalesce(from_character, ''), "timestamp", message, groupname
		from irc_ping_history
		where id > $1
		order by "timestamp" asc, id asc
	`, lastID)
	if err != nil {
		return nil, fmt.Errorf("pg: ping history: %w", err)
	}
	defer rows.Close()

	var out []broadcast.Message
	for rows.Next() {
		var m broadcast.Message
		if err := rows.Scan(&m.ID, &m.Origin, &m.Timestamp, &m.Text, &m.Group); err != nil {
			return nil, fmt.Errorf("pg: scan ping: %w", err)
		}
		m.Forward = true
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) MaxMessageID(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, `select coalesce(max(id), 0) from irc_ping_history`).Scan(&id); err != nil {
		return 0, fmt.Errorf("pg: max ping id: %w", err)
	}
	return id, nil
}

// NewHighValueEvent returns the id of the most recent expensive kill after
// lastID, or 0 when there is none.
func (s *Store) NewHighValueEvent(ctx context.Context, lastID int64) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		select external_kill_id
		from kills_killmails
		where zkb_total_value > $1
		  and external_kill_id > $2
		  and kill_time > now() - ($3 * interval '1 second')
		order by kill_time desc
		limit 1
	`, s.minValue, lastID, s.lookback.Seconds()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("pg: expensive killmails: %w", err)
	}
	return id, nil
}
