package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/Leftyshields/better-white-elephant-sub001/internal/game"
)

// notifyChannel carries external roster mutations between processes.
// Payload format: "<partyID>|<kind>".
const notifyChannel = "white_elephant_external"

const postgresSchema = `
CREATE TABLE IF NOT EXISTS parties (
    id            TEXT PRIMARY KEY,
    state_version BIGINT      NOT NULL,
    doc           JSONB       NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS participants (
    party_id  TEXT        NOT NULL,
    user_id   TEXT        NOT NULL,
    status    TEXT        NOT NULL,
    joined_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (party_id, user_id)
);
CREATE TABLE IF NOT EXISTS gifts (
    id           TEXT PRIMARY KEY,
    party_id     TEXT        NOT NULL,
    submitter_id TEXT        NOT NULL,
    title        TEXT        NOT NULL DEFAULT '',
    image_url    TEXT        NOT NULL DEFAULT '',
    link_url     TEXT        NOT NULL DEFAULT '',
    price        TEXT        NOT NULL DEFAULT '',
    winner_id    TEXT        NOT NULL DEFAULT '',
    submitted_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS gifts_party_idx ON gifts (party_id);
CREATE TABLE IF NOT EXISTS users (
    id    TEXT PRIMARY KEY,
    name  TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT ''
);
`

// PostgresStore persists parties as versioned JSONB documents and uses
// LISTEN/NOTIFY to observe roster mutations made by other processes.
type PostgresStore struct {
	db       *sql.DB
	listener *pq.Listener
	notifier *notifier
	done     chan struct{}
}

// NewPostgresStore opens the database, applies the schema, and starts the
// notification listener.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &PostgresStore{
		db:       db,
		notifier: newNotifier(),
		done:     make(chan struct{}),
	}

	s.listener = pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			slog.Warn("[PostgresStore] Listener event", "event", ev, "error", err)
		}
	})
	if err := s.listener.Listen(notifyChannel); err != nil {
		db.Close()
		return nil, fmt.Errorf("listen %s: %w", notifyChannel, err)
	}
	go s.listenLoop()

	return s, nil
}

// listenLoop forwards pg_notify payloads into the in-process notifier.
func (s *PostgresStore) listenLoop() {
	for {
		select {
		case <-s.done:
			return
		case n := <-s.listener.Notify:
			if n == nil {
				// Connection loss; pq.Listener reconnects on its own.
				continue
			}
			partyID, kind, ok := strings.Cut(n.Extra, "|")
			if !ok {
				slog.Warn("[PostgresStore] Malformed notification", "payload", n.Extra)
				continue
			}
			s.notifier.notify(ExternalChange{PartyID: partyID, Kind: ChangeKind(kind)})
		case <-time.After(90 * time.Second):
			go s.listener.Ping()
		}
	}
}

func (s *PostgresStore) LoadParty(ctx context.Context, id string) (*game.Party, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM parties WHERE id = $1`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load party %s: %w", id, err)
	}

	var p game.Party
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode party %s: %w", id, err)
	}
	return &p, nil
}

func (s *PostgresStore) CreateParty(ctx context.Context, p *game.Party) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO parties (id, state_version, doc, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET state_version = $2, doc = $3, updated_at = $4`,
		p.ID, p.StateVersion, raw, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create party %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) WriteParty(ctx context.Context, expectedVersion int64, p *game.Party) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE parties SET state_version = $1, doc = $2, updated_at = $3
		WHERE id = $4 AND state_version = $5`,
		p.StateVersion, raw, p.UpdatedAt, p.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("write party %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the document moved past expectedVersion or it is gone.
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM parties WHERE id = $1)`, p.ID).Scan(&exists); err == nil && !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) LoadRoster(ctx context.Context, partyID string) (game.Roster, error) {
	var roster game.Roster

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, status, joined_at FROM participants
		WHERE party_id = $1 ORDER BY joined_at, user_id`, partyID)
	if err != nil {
		return roster, fmt.Errorf("load participants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p game.Participant
		if err := rows.Scan(&p.UserID, &p.Status, &p.JoinedAt); err != nil {
			return roster, err
		}
		roster.Participants = append(roster.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return roster, err
	}

	giftRows, err := s.db.QueryContext(ctx, `
		SELECT id, party_id, submitter_id, title, image_url, link_url, price, winner_id, submitted_at
		FROM gifts WHERE party_id = $1 ORDER BY submitted_at, id`, partyID)
	if err != nil {
		return roster, fmt.Errorf("load gifts: %w", err)
	}
	defer giftRows.Close()
	for giftRows.Next() {
		var g game.Gift
		if err := giftRows.Scan(&g.ID, &g.PartyID, &g.SubmitterID, &g.Title, &g.ImageURL,
			&g.LinkURL, &g.Price, &g.WinnerID, &g.SubmittedAt); err != nil {
			return roster, err
		}
		roster.Gifts = append(roster.Gifts, g)
	}
	return roster, giftRows.Err()
}

func (s *PostgresStore) AddParticipant(ctx context.Context, partyID string, p game.Participant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (party_id, user_id, status, joined_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (party_id, user_id) DO UPDATE SET status = $3`,
		partyID, p.UserID, p.Status, p.JoinedAt)
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return s.publish(ctx, partyID, ChangeParticipants)
}

func (s *PostgresStore) AddGift(ctx context.Context, g game.Gift) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gifts (id, party_id, submitter_id, title, image_url, link_url, price, winner_id, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		g.ID, g.PartyID, g.SubmitterID, g.Title, g.ImageURL, g.LinkURL, g.Price, g.WinnerID, g.SubmittedAt)
	if err != nil {
		return fmt.Errorf("add gift: %w", err)
	}
	return s.publish(ctx, g.PartyID, ChangeGifts)
}

func (s *PostgresStore) publish(ctx context.Context, partyID string, kind ChangeKind) error {
	_, err := s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, partyID+"|"+string(kind))
	if err != nil {
		slog.Warn("[PostgresStore] pg_notify failed", "party_id", partyID, "error", err)
	}
	return nil
}

func (s *PostgresStore) FinalizeGiftWinners(ctx context.Context, partyID string, winners map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for giftID, winnerID := range winners {
		if _, err := tx.ExecContext(ctx,
			`UPDATE gifts SET winner_id = $1 WHERE id = $2 AND party_id = $3`,
			winnerID, giftID, partyID); err != nil {
			return fmt.Errorf("finalize winner for %s: %w", giftID, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) ClearGiftWinners(ctx context.Context, partyID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE gifts SET winner_id = '' WHERE party_id = $1`, partyID)
	return err
}

func (s *PostgresStore) LookupUsers(ctx context.Context, ids []string) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, email FROM users WHERE id = ANY($1)`, pq.Array(ids))
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

func (s *PostgresStore) UpsertUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = $2, email = $3`,
		u.ID, u.Name, u.Email)
	return err
}

func (s *PostgresStore) SubscribeExternal(partyID string, fn func(ExternalChange)) func() {
	return s.notifier.subscribe(partyID, fn)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	close(s.done)
	if err := s.listener.Close(); err != nil {
		slog.Warn("[PostgresStore] Listener close", "error", err)
	}
	return s.db.Close()
}
