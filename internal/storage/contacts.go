package storage

import (
	"database/sql"
	"errors"
	"time"
)

// Contact is the last known state of a user seen in presence or in a call.
// Records outlive the session; only Online tracks the live roster.
type Contact struct {
	Nick      string
	Presence  string
	Online    bool
	FirstSeen time.Time
	LastSeen  time.Time
}

// UpsertContact records nick as seen now with the given presence.
func (d *DB) UpsertContact(nick, presence string, online bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _contacts (nick, presence, online, last_seen)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(nick) DO UPDATE SET
			presence  = CASE WHEN excluded.presence = '' THEN _contacts.presence ELSE excluded.presence END,
			online    = excluded.online,
			last_seen = CURRENT_TIMESTAMP`,
		nick, presence, boolInt(online),
	)
	return err
}

// MarkAllOffline clears the online flag of every contact, as when the
// signaling connection is lost and the roster is no longer known.
func (d *DB) MarkAllOffline() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`UPDATE _contacts SET online = 0 WHERE online != 0`)
	return err
}

// GetContact returns the record for nick, or false if unknown.
func (d *DB) GetContact(nick string) (Contact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	row := d.db.QueryRow(`
		SELECT nick, presence, online, first_seen, last_seen
		FROM _contacts WHERE nick = ?`, nick)
	c, err := scanContact(row)
	if err != nil {
		return Contact{}, false
	}
	return c, true
}

// ListContacts returns every contact, online ones first, then by nick.
func (d *DB) ListContacts() ([]Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT nick, presence, online, first_seen, last_seen
		FROM _contacts ORDER BY online DESC, nick`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteContact removes nick and its call history.
func (d *DB) DeleteContact(nick string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM _contacts WHERE nick = ?`, nick)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanContact(s scanner) (Contact, error) {
	var c Contact
	var online int
	var first, last any
	if err := s.Scan(&c.Nick, &c.Presence, &online, &first, &last); err != nil {
		return Contact{}, err
	}
	c.Online = online != 0
	c.FirstSeen = parseTime(first)
	c.LastSeen = parseTime(last)
	return c, nil
}

// Call directions.
const (
	Incoming = "in"
	Outgoing = "out"
)

// CallRecord is one call-control event exchanged with a peer.
type CallRecord struct {
	ID        int64
	Peer      string
	Direction string
	Event     string
	CallID    string
	CreatedAt time.Time
}

var errCallPeer = errors.New("storage: call record without peer")

// RecordCall appends r to the peer's history, creating the contact if the
// peer was never seen in presence.
func (d *DB) RecordCall(r CallRecord) error {
	if r.Peer == "" {
		return errCallPeer
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR IGNORE INTO _contacts (nick) VALUES (?)`, r.Peer); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO _calls (peer, direction, event, call_id) VALUES (?, ?, ?, ?)`,
		r.Peer, r.Direction, r.Event, r.CallID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// RecentCalls returns up to limit records for peer, newest first.
func (d *DB) RecentCalls(peer string, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT id, peer, direction, event, call_id, created_at
		FROM _calls WHERE peer = ? ORDER BY id DESC LIMIT ?`, peer, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var r CallRecord
		var created any
		if err := rows.Scan(&r.ID, &r.Peer, &r.Direction, &r.Event, &r.CallID, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var timeLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
}

// parseTime accepts what the driver hands back for a DATETIME column.
func parseTime(v any) time.Time {
	var s string
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		s = t
	case []byte:
		s = string(t)
	case sql.NullString:
		s = t.String
	default:
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}
