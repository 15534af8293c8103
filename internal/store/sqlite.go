package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/Leftyshields/better-white-elephant-sub001/internal/game"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS parties (
    id            TEXT PRIMARY KEY,
    state_version INTEGER  NOT NULL,
    doc           TEXT     NOT NULL,
    updated_at    DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS participants (
    party_id  TEXT     NOT NULL,
    user_id   TEXT     NOT NULL,
    status    TEXT     NOT NULL,
    joined_at DATETIME NOT NULL,
    PRIMARY KEY (party_id, user_id)
);
CREATE TABLE IF NOT EXISTS gifts (
    id           TEXT PRIMARY KEY,
    party_id     TEXT     NOT NULL,
    submitter_id TEXT     NOT NULL,
    title        TEXT     NOT NULL DEFAULT '',
    image_url    TEXT     NOT NULL DEFAULT '',
    link_url     TEXT     NOT NULL DEFAULT '',
    price        TEXT     NOT NULL DEFAULT '',
    winner_id    TEXT     NOT NULL DEFAULT '',
    submitted_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS gifts_party_idx ON gifts (party_id);
CREATE TABLE IF NOT EXISTS users (
    id    TEXT PRIMARY KEY,
    name  TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT ''
);
`

// SQLiteStore is the zero-dependency backend for local development and
// single-node deployments. External mutations are only observable within
// this process, which is fine for the single-writer setup it serves.
type SQLiteStore struct {
	db       *sql.DB
	notifier *notifier
}

// NewSQLiteStore opens (or creates) the database file and applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The database is accessed from many goroutines; the driver serializes
	// but busy timeouts keep writers from erroring under contention.
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000; PRAGMA journal_mode = WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db, notifier: newNotifier()}, nil
}

func (s *SQLiteStore) LoadParty(ctx context.Context, id string) (*game.Party, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM parties WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load party %s: %w", id, err)
	}

	var p game.Party
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode party %s: %w", id, err)
	}
	return &p, nil
}

func (s *SQLiteStore) CreateParty(ctx context.Context, p *game.Party) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO parties (id, state_version, doc, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET state_version = excluded.state_version,
			doc = excluded.doc, updated_at = excluded.updated_at`,
		p.ID, p.StateVersion, string(raw), p.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("create party %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLiteStore) WriteParty(ctx context.Context, expectedVersion int64, p *game.Party) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE parties SET state_version = ?, doc = ?, updated_at = ?
		WHERE id = ? AND state_version = ?`,
		p.StateVersion, string(raw), p.UpdatedAt.UTC().Format(time.RFC3339Nano), p.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("write party %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM parties WHERE id = ?)`, p.ID).Scan(&exists); err == nil && !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *SQLiteStore) LoadRoster(ctx context.Context, partyID string) (game.Roster, error) {
	var roster game.Roster

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, status, joined_at FROM participants
		WHERE party_id = ? ORDER BY joined_at, user_id`, partyID)
	if err != nil {
		return roster, fmt.Errorf("load participants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p game.Participant
		var joined string
		if err := rows.Scan(&p.UserID, &p.Status, &joined); err != nil {
			return roster, err
		}
		p.JoinedAt = parseSQLiteTime(joined)
		roster.Participants = append(roster.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return roster, err
	}

	giftRows, err := s.db.QueryContext(ctx, `
		SELECT id, party_id, submitter_id, title, image_url, link_url, price, winner_id, submitted_at
		FROM gifts WHERE party_id = ? ORDER BY submitted_at, id`, partyID)
	if err != nil {
		return roster, fmt.Errorf("load gifts: %w", err)
	}
	defer giftRows.Close()
	for giftRows.Next() {
		var g game.Gift
		var submitted string
		if err := giftRows.Scan(&g.ID, &g.PartyID, &g.SubmitterID, &g.Title, &g.ImageURL,
			&g.LinkURL, &g.Price, &g.WinnerID, &submitted); err != nil {
			return roster, err
		}
		g.SubmittedAt = parseSQLiteTime(submitted)
		roster.Gifts = append(roster.Gifts, g)
	}
	return roster, giftRows.Err()
}

func (s *SQLiteStore) AddParticipant(ctx context.Context, partyID string, p game.Participant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (party_id, user_id, status, joined_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (party_id, user_id) DO UPDATE SET status = excluded.status`,
		partyID, p.UserID, p.Status, p.JoinedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	s.notifier.notify(ExternalChange{PartyID: partyID, Kind: ChangeParticipants})
	return nil
}

func (s *SQLiteStore) AddGift(ctx context.Context, g game.Gift) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gifts (id, party_id, submitter_id, title, image_url, link_url, price, winner_id, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		g.ID, g.PartyID, g.SubmitterID, g.Title, g.ImageURL, g.LinkURL, g.Price, g.WinnerID,
		g.SubmittedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("add gift: %w", err)
	}
	s.notifier.notify(ExternalChange{PartyID: g.PartyID, Kind: ChangeGifts})
	return nil
}

func (s *SQLiteStore) FinalizeGiftWinners(ctx context.Context, partyID string, winners map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for giftID, winnerID := range winners {
		if _, err := tx.ExecContext(ctx,
			`UPDATE gifts SET winner_id = ? WHERE id = ? AND party_id = ?`,
			winnerID, giftID, partyID); err != nil {
			return fmt.Errorf("finalize winner for %s: %w", giftID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ClearGiftWinners(ctx context.Context, partyID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE gifts SET winner_id = '' WHERE party_id = ?`, partyID)
	return err
}

func (s *SQLiteStore) LookupUsers(ctx context.Context, ids []string) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, email FROM users WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, email = excluded.email`,
		u.ID, u.Name, u.Email)
	return err
}

func (s *SQLiteStore) SubscribeExternal(partyID string, fn func(ExternalChange)) func() {
	return s.notifier.subscribe(partyID, fn)
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func parseSQLiteTime(v string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
