// Package store is the narrow persistence boundary of the game server.
//
// A party is persisted as one versioned document; writes are guarded by a
// compare-and-set on the monotonic state version. Participants and gifts
// live in their own collections because lobby flows outside this process
// mutate them; SubscribeExternal surfaces those mutations so a party actor
// can refresh its roster cache.
package store

import (
	"context"
	"errors"

	"github.com/Leftyshields/better-white-elephant-sub001/internal/game"
)

var (
	// ErrNotFound is returned when a party, gift, or user does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionConflict is returned by WriteParty when the document was
	// modified since the expected version was read.
	ErrVersionConflict = errors.New("store: version conflict")
)

// ChangeKind classifies an external mutation.
type ChangeKind string

const (
	ChangeParticipants ChangeKind = "participants"
	ChangeGifts        ChangeKind = "gifts"
)

// ExternalChange notifies a subscriber that a party's roster collections
// were mutated outside the actor.
type ExternalChange struct {
	PartyID string
	Kind    ChangeKind
}

// User is the display projection served by the batch lookup endpoint.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Store is implemented by the Postgres, SQLite, and in-memory backends.
type Store interface {
	// LoadParty returns the current document snapshot.
	LoadParty(ctx context.Context, id string) (*game.Party, error)

	// CreateParty inserts a new party document at its current version.
	CreateParty(ctx context.Context, p *game.Party) error

	// WriteParty replaces the document iff the stored version still equals
	// expectedVersion. The party carries its own (already bumped) version.
	WriteParty(ctx context.Context, expectedVersion int64, p *game.Party) error

	// LoadRoster returns the participant and gift collections for a party.
	LoadRoster(ctx context.Context, partyID string) (game.Roster, error)

	// AddParticipant and AddGift mutate the roster collections the way the
	// external lobby flows do, and fire the external-change notification.
	AddParticipant(ctx context.Context, partyID string, p game.Participant) error
	AddGift(ctx context.Context, g game.Gift) error

	// FinalizeGiftWinners back-writes winnerId onto each gift at game end.
	FinalizeGiftWinners(ctx context.Context, partyID string, winners map[string]string) error

	// ClearGiftWinners removes winner assignments when a game is reset.
	ClearGiftWinners(ctx context.Context, partyID string) error

	// LookupUsers resolves user ids to display records; unknown ids are
	// silently omitted.
	LookupUsers(ctx context.Context, ids []string) ([]User, error)

	// UpsertUser records a display profile for a user id.
	UpsertUser(ctx context.Context, u User) error

	// SubscribeExternal registers a callback for roster mutations on one
	// party. The returned function unsubscribes.
	SubscribeExternal(partyID string, fn func(ExternalChange)) func()

	// Ping verifies backend connectivity for health checks.
	Ping(ctx context.Context) error

	Close() error
}
