// Package game holds the authoritative white-elephant rules.
//
// Everything in this package is pure: Apply takes a state snapshot and a
// command and returns a new snapshot plus the events it produced, or a typed
// rule violation. No I/O happens here; the clock arrives as an argument.
package game

import "time"

// Status is the lifecycle state of a party.
type Status string

const (
	StatusLobby  Status = "LOBBY"
	StatusActive Status = "ACTIVE"
	StatusEnded  Status = "ENDED"
)

// ParticipantStatus tracks a user's RSVP within a party.
type ParticipantStatus string

const (
	ParticipantPending  ParticipantStatus = "PENDING"
	ParticipantGoing    ParticipantStatus = "GOING"
	ParticipantDeclined ParticipantStatus = "DECLINED"
)

// Config is the rule configuration a party is played with.
// ReturnToStart enables the boomerang phase: after the first pass the queue
// continues in reverse order, giving the opening player the closing turn.
type Config struct {
	MaxSteals     int  `json:"maxSteals" yaml:"max_steals"`
	ReturnToStart bool `json:"returnToStart" yaml:"return_to_start"`
}

// DefaultConfig matches the defaults the lobby creates parties with.
func DefaultConfig() Config {
	return Config{MaxSteals: 3, ReturnToStart: false}
}

// Participant is a user's membership in a party. The roster is owned by the
// lobby flows outside this package; the engine consumes a snapshot of it when
// the game starts.
type Participant struct {
	UserID   string            `json:"userId"`
	Status   ParticipantStatus `json:"status"`
	JoinedAt time.Time         `json:"joinedAt"`
}

// Gift is a submitted gift. Metadata fields are opaque to the engine; the
// only field the core ever writes is WinnerID, at game end.
type Gift struct {
	ID          string    `json:"id"`
	PartyID     string    `json:"partyId"`
	SubmitterID string    `json:"submitterId"`
	Title       string    `json:"title,omitempty"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	LinkURL     string    `json:"linkUrl,omitempty"`
	Price       string    `json:"price,omitempty"`
	WinnerID    string    `json:"winnerId,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Roster is the snapshot of participants and gifts the engine sees at
// StartGame. After that the set is frozen for the life of the game.
type Roster struct {
	Participants []Participant
	Gifts        []Gift
}

// GiftEntry is the live state of an unwrapped gift during play.
type GiftEntry struct {
	OwnerID     string `json:"ownerId"`
	StealCount  int    `json:"stealCount"`
	IsFrozen    bool   `json:"isFrozen"`
	LastOwnerID string `json:"lastOwnerId,omitempty"`
}

// EventType tags entries in the game history.
type EventType string

const (
	EventPick    EventType = "PICK"
	EventSteal   EventType = "STEAL"
	EventEndTurn EventType = "END_TURN"
	EventGameEnd EventType = "GAME_END"
)

// Event is one append-only history record. Replaying the history from the
// initial post-StartGame state reproduces the final state exactly.
type Event struct {
	Type            EventType `json:"type"`
	PlayerID        string    `json:"playerId,omitempty"`
	GiftID          string    `json:"giftId,omitempty"`
	PreviousOwnerID string    `json:"previousOwnerId,omitempty"`
	ExchangedGiftID string    `json:"exchangedGiftId,omitempty"`
	StealCount      int       `json:"stealCount,omitempty"`
	IsFrozen        bool      `json:"isFrozen,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// GameState is embedded in a Party while it is ACTIVE or ENDED.
type GameState struct {
	TurnOrder        []string              `json:"turnOrder"`
	TurnQueue        []string              `json:"turnQueue"`
	CurrentTurnIndex int                   `json:"currentTurnIndex"`
	PendingVictimID  string                `json:"pendingVictimId,omitempty"`
	WrappedGifts     []string              `json:"wrappedGifts"`
	UnwrappedGifts   map[string]*GiftEntry `json:"unwrappedGifts"`
	History          []Event               `json:"history"`
	Config           Config                `json:"config"`
}

// Party is the full authoritative document for one room.
type Party struct {
	ID           string     `json:"id"`
	AdminID      string     `json:"adminId"`
	Title        string     `json:"title,omitempty"`
	Date         time.Time  `json:"date"`
	Status       Status     `json:"status"`
	Config       Config     `json:"config"`
	StateVersion int64      `json:"stateVersion"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	GameState    *GameState `json:"gameState,omitempty"`
}

// Players returns P, the number of players in the running game.
func (gs *GameState) Players() int {
	return len(gs.TurnOrder)
}

// InBoomerang reports whether the queue pointer is past the last
// normal-order slot of a return-to-start game.
func (gs *GameState) InBoomerang() bool {
	return gs.Config.ReturnToStart && gs.CurrentTurnIndex >= gs.Players()
}

// ActivePlayerID derives the only id allowed to act right now: the pending
// victim while a steal chain is open, otherwise the player at the queue
// pointer. Empty when the queue is exhausted.
func (gs *GameState) ActivePlayerID() string {
	if gs.PendingVictimID != "" {
		return gs.PendingVictimID
	}
	if gs.CurrentTurnIndex < len(gs.TurnQueue) {
		return gs.TurnQueue[gs.CurrentTurnIndex]
	}
	return ""
}

// OwnedGift returns the id of the unwrapped gift the user holds, if any.
// The engine guarantees at most one.
func (gs *GameState) OwnedGift(userID string) (string, bool) {
	for id, entry := range gs.UnwrappedGifts {
		if entry.OwnerID == userID {
			return id, true
		}
	}
	return "", false
}

// Winners maps each unwrapped gift to its final owner. Only meaningful once
// the party has ended.
func (gs *GameState) Winners() map[string]string {
	winners := make(map[string]string, len(gs.UnwrappedGifts))
	for id, entry := range gs.UnwrappedGifts {
		winners[id] = entry.OwnerID
	}
	return winners
}

// ActivePlayerID is the party-level view of GameState.ActivePlayerID.
func (p *Party) ActivePlayerID() string {
	if p.Status != StatusActive || p.GameState == nil {
		return ""
	}
	return p.GameState.ActivePlayerID()
}

// Clone deep-copies a party so that Apply can mutate freely without touching
// the caller's snapshot.
func (p *Party) Clone() *Party {
	cp := *p
	if p.GameState != nil {
		cp.GameState = p.GameState.clone()
	}
	return &cp
}

func (gs *GameState) clone() *GameState {
	cp := *gs
	cp.TurnOrder = append([]string(nil), gs.TurnOrder...)
	cp.TurnQueue = append([]string(nil), gs.TurnQueue...)
	cp.WrappedGifts = append([]string(nil), gs.WrappedGifts...)
	cp.UnwrappedGifts = make(map[string]*GiftEntry, len(gs.UnwrappedGifts))
	for id, entry := range gs.UnwrappedGifts {
		e := *entry
		cp.UnwrappedGifts[id] = &e
	}
	cp.History = append([]Event(nil), gs.History...)
	return &cp
}
