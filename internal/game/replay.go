package game

import (
	"fmt"
	"time"
)

// Replay re-applies a recorded history against the initial post-StartGame
// snapshot and returns the reconstructed final state. It is the determinism
// contract for the engine: the result must match the live state field for
// field.
//
// GAME_END entries produced by end-of-game detection carry no player id and
// are skipped, because re-applying the preceding command regenerates them.
// A GAME_END carrying the admin id is an explicit override and is replayed
// as such.
func Replay(initial *Party, history []Event) (*Party, error) {
	state := initial.Clone()
	if state.GameState != nil {
		state.GameState.History = []Event{}
	}

	for i, ev := range history {
		cmd, ok := commandFor(state, ev)
		if !ok {
			continue
		}
		next, _, err := Apply(state, Roster{}, cmd, ev.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("replay event %d (%s by %s): %w", i, ev.Type, ev.PlayerID, err)
		}
		state = next
	}
	return state, nil
}

func commandFor(p *Party, ev Event) (Command, bool) {
	switch ev.Type {
	case EventPick:
		return Pick{ActorID: ev.PlayerID, GiftID: ev.GiftID}, true
	case EventSteal:
		return Steal{ActorID: ev.PlayerID, GiftID: ev.GiftID}, true
	case EventEndTurn:
		return EndTurn{ActorID: ev.PlayerID}, true
	case EventGameEnd:
		if ev.PlayerID == p.AdminID && ev.PlayerID != "" && p.Status == StatusActive {
			return EndGame{ActorID: ev.PlayerID}, true
		}
		return nil, false
	default:
		return nil, false
	}
}

// StartParty is a convenience used by tests and the loadtest driver: it
// builds a lobby party and starts it with a pinned seed in one step.
func StartParty(id, adminID string, cfg Config, roster Roster, seed int64, now time.Time) (*Party, error) {
	lobby := &Party{
		ID:        id,
		AdminID:   adminID,
		Status:    StatusLobby,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
		Date:      now,
	}
	started, _, err := Apply(lobby, roster, StartGame{ActorID: adminID, Seed: seed, HasSeed: true}, now)
	if err != nil {
		return nil, err
	}
	return started, nil
}
