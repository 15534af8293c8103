package game

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkInvariants asserts the structural invariants that must hold after
// every successful command, regardless of how the game got there.
func checkInvariants(t *testing.T, p *Party) {
	t.Helper()
	gs := p.GameState
	require.NotNil(t, gs)

	// Nobody owns two gifts at once.
	owners := make(map[string]string)
	for id, entry := range gs.UnwrappedGifts {
		prev, dup := owners[entry.OwnerID]
		require.Falsef(t, dup, "player %s owns both %s and %s", entry.OwnerID, prev, id)
		owners[entry.OwnerID] = id
	}

	// Wrapped + unwrapped partition the full gift pool.
	assert.Equal(t, gs.Players(), len(gs.WrappedGifts)+len(gs.UnwrappedGifts))
	for _, id := range gs.WrappedGifts {
		_, both := gs.UnwrappedGifts[id]
		assert.Falsef(t, both, "gift %s is both wrapped and unwrapped", id)
	}

	// Steal counters stay within bounds and track the freeze flag.
	for id, entry := range gs.UnwrappedGifts {
		assert.LessOrEqualf(t, entry.StealCount, gs.Config.MaxSteals, "gift %s over-stolen", id)
		assert.Equalf(t, entry.StealCount >= gs.Config.MaxSteals, entry.IsFrozen, "gift %s freeze flag out of sync", id)
	}

	// A pending victim is always a player without a gift.
	if gs.PendingVictimID != "" {
		assert.Contains(t, gs.TurnOrder, gs.PendingVictimID)
		_, holds := gs.OwnedGift(gs.PendingVictimID)
		assert.Falsef(t, holds, "pending victim %s holds a gift", gs.PendingVictimID)
	}

	// Queue pointer stays within the queue.
	assert.GreaterOrEqual(t, gs.CurrentTurnIndex, 0)
	assert.LessOrEqual(t, gs.CurrentTurnIndex, len(gs.TurnQueue))
}

// randomCommand proposes a plausible command for the active player. Roughly
// half the proposals are deliberately invalid to exercise rejection paths.
func randomCommand(rng *rand.Rand, p *Party) Command {
	gs := p.GameState
	actor := gs.ActivePlayerID()
	if actor == "" {
		return EndTurn{ActorID: "nobody"}
	}
	if rng.Intn(4) == 0 {
		// Off-turn or bogus actions.
		switch rng.Intn(3) {
		case 0:
			return Pick{ActorID: "intruder", GiftID: "g0"}
		case 1:
			return Steal{ActorID: actor, GiftID: fmt.Sprintf("missing-%d", rng.Int())}
		default:
			return EndTurn{ActorID: actor}
		}
	}
	switch rng.Intn(3) {
	case 0:
		if len(gs.WrappedGifts) > 0 {
			return Pick{ActorID: actor, GiftID: gs.WrappedGifts[rng.Intn(len(gs.WrappedGifts))]}
		}
		return EndTurn{ActorID: actor}
	case 1:
		ids := make([]string, 0, len(gs.UnwrappedGifts))
		for id := range gs.UnwrappedGifts {
			ids = append(ids, id)
		}
		if len(ids) > 0 {
			return Steal{ActorID: actor, GiftID: ids[rng.Intn(len(ids))]}
		}
		if len(gs.WrappedGifts) > 0 {
			return Pick{ActorID: actor, GiftID: gs.WrappedGifts[0]}
		}
		return EndTurn{ActorID: actor}
	default:
		return EndTurn{ActorID: actor}
	}
}

func TestRandomGamesHoldInvariants(t *testing.T) {
	for _, mode := range []bool{false, true} {
		for trial := 0; trial < 50; trial++ {
			rng := rand.New(rand.NewSource(int64(trial)*31 + 7))
			players := 2 + rng.Intn(5)
			ids := make([]string, players)
			for i := range ids {
				ids[i] = fmt.Sprintf("u%d", i)
			}

			cfg := Config{MaxSteals: 1 + rng.Intn(3), ReturnToStart: mode}
			initial, err := StartParty("party-x", ids[0], cfg, testRoster(ids...), int64(trial), testNow)
			require.NoError(t, err)
			checkInvariants(t, initial)

			p := initial
			now := testNow
			var lastIndex int
			for step := 0; step < 2000 && p.Status == StatusActive; step++ {
				cmd := randomCommand(rng, p)
				now = now.Add(time.Second)
				next, events, err := Apply(p, Roster{}, cmd, now)
				if err != nil {
					var re *RuleError
					require.ErrorAs(t, err, &re)
					continue
				}
				checkInvariants(t, next)

				// Steals pause time, picks and skips advance it by one.
				lastIndex = p.GameState.CurrentTurnIndex
				switch cmd.(type) {
				case Steal:
					assert.Equal(t, lastIndex, next.GameState.CurrentTurnIndex)
					// A swap leaves no pending victim, a plain steal names one.
					if events[0].ExchangedGiftID != "" {
						assert.Empty(t, next.GameState.PendingVictimID)
					} else {
						assert.Equal(t, events[0].PreviousOwnerID, next.GameState.PendingVictimID)
					}
				case Pick, EndTurn:
					assert.Equal(t, lastIndex+1, next.GameState.CurrentTurnIndex)
				}
				p = next
			}

			require.Equalf(t, StatusEnded, p.Status, "game did not terminate (mode=%v trial=%d)", mode, trial)

			// Replaying the history reproduces the final state.
			replayed, err := Replay(initial, p.GameState.History)
			require.NoError(t, err)
			assert.Equal(t, p.Status, replayed.Status)
			assert.Equal(t, p.GameState.CurrentTurnIndex, replayed.GameState.CurrentTurnIndex)
			assert.Equal(t, p.GameState.PendingVictimID, replayed.GameState.PendingVictimID)
			assert.ElementsMatch(t, p.GameState.WrappedGifts, replayed.GameState.WrappedGifts)
			assert.Equal(t, p.GameState.UnwrappedGifts, replayed.GameState.UnwrappedGifts)
		}
	}
}

// An immediate steal-back is impossible outside the boomerang phase.
func TestNoImmediateStealBack(t *testing.T) {
	p := activeParty([]string{"A", "B", "C"}, []string{"g1", "g2", "g3"}, Config{MaxSteals: 5})
	p = mustApply(t, p, Pick{ActorID: "A", GiftID: "g1"})
	p = mustApply(t, p, Pick{ActorID: "B", GiftID: "g2"})
	p = mustApply(t, p, Steal{ActorID: "C", GiftID: "g2"})

	_, _, err := Apply(p, Roster{}, Steal{ActorID: "B", GiftID: "g2"}, testNow)
	assert.True(t, IsViolation(err, ViolationUTurnForbidden))

	// But B may steal a different gift.
	p = mustApply(t, p, Steal{ActorID: "B", GiftID: "g1"})
	assert.Equal(t, "A", p.GameState.PendingVictimID)
}

func TestReplayRejectsCorruptHistory(t *testing.T) {
	initial, err := StartParty("party-x", "A", Config{MaxSteals: 3}, testRoster("A", "B"), 3, testNow)
	require.NoError(t, err)

	_, err = Replay(initial, []Event{{Type: EventPick, PlayerID: "B", GiftID: "gift-A", Timestamp: testNow}})
	require.Error(t, err)
}
