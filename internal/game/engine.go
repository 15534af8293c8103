package game

import (
	"math/rand"
	"sort"
	"time"
)

// Apply validates cmd against the party snapshot and returns the resulting
// snapshot plus the events appended to the history. The input party is never
// mutated. On a rule violation the returned error is a *RuleError and both
// other results are nil.
//
// The roster is only consulted by StartGame; every later command plays
// against the frozen sets captured in GameState.
func Apply(p *Party, roster Roster, cmd Command, now time.Time) (*Party, []Event, error) {
	switch c := cmd.(type) {
	case StartGame:
		return applyStartGame(p, roster, c, now)
	case Pick:
		return applyPick(p, c, now)
	case Steal:
		return applySteal(p, c, now)
	case EndTurn:
		return applyEndTurn(p, c, now)
	case EndGame:
		return applyEndGame(p, c, now)
	case ResetGame:
		return applyResetGame(p, c, now)
	default:
		return nil, nil, violation(ViolationGameNotActive, "unknown command %T", cmd)
	}
}

func applyStartGame(p *Party, roster Roster, c StartGame, now time.Time) (*Party, []Event, error) {
	if p.Status != StatusLobby {
		return nil, nil, violation(ViolationGameNotActive, "party %s is %s, not LOBBY", p.ID, p.Status)
	}
	if c.ActorID != p.AdminID {
		return nil, nil, violation(ViolationUnauthorized, "only the admin can start the game")
	}

	going := goingParticipants(roster.Participants)
	if len(going) < 2 {
		return nil, nil, violation(ViolationInsufficientPlayers, "need at least 2 going participants, have %d", len(going))
	}

	pool, err := allocateGifts(going, roster.Gifts)
	if err != nil {
		return nil, nil, err
	}

	seed := c.Seed
	if !c.HasSeed {
		seed = now.UnixNano()
	}
	turnOrder := shuffledOrder(going, seed)

	turnQueue := append([]string(nil), turnOrder...)
	if p.Config.ReturnToStart {
		// Second pass in reverse order, skipping the pivot player so the
		// queue has length 2P-1 and ends on the opening player.
		for i := len(turnOrder) - 2; i >= 0; i-- {
			turnQueue = append(turnQueue, turnOrder[i])
		}
	}

	next := p.Clone()
	next.Status = StatusActive
	next.GameState = &GameState{
		TurnOrder:        turnOrder,
		TurnQueue:        turnQueue,
		CurrentTurnIndex: 0,
		WrappedGifts:     pool,
		UnwrappedGifts:   make(map[string]*GiftEntry),
		History:          []Event{},
		Config:           p.Config,
	}
	return next, nil, nil
}

func applyPick(p *Party, c Pick, now time.Time) (*Party, []Event, error) {
	gs, err := activeState(p, c.ActorID)
	if err != nil {
		return nil, nil, err
	}

	if len(gs.WrappedGifts) == 0 {
		return nil, nil, violation(ViolationNoWrappedGifts, "no wrapped gifts remain")
	}
	if !containsString(gs.WrappedGifts, c.GiftID) {
		return nil, nil, violation(ViolationGiftNotFound, "gift %s is not wrapped", c.GiftID)
	}

	heldID, holds := gs.OwnedGift(c.ActorID)
	if holds && !playerOneFinalTurn(gs, c.ActorID) {
		return nil, nil, violation(ViolationAlreadyHoldsGift, "player %s already holds a gift", c.ActorID)
	}

	next := p.Clone()
	ngs := next.GameState
	ngs.WrappedGifts = removeString(ngs.WrappedGifts, c.GiftID)
	if holds {
		// Player-One Final-Turn pool exchange: the held gift goes back to
		// the wrapped pool so one-gift-per-person keeps holding.
		delete(ngs.UnwrappedGifts, heldID)
		ngs.WrappedGifts = append(ngs.WrappedGifts, heldID)
	}
	ngs.UnwrappedGifts[c.GiftID] = &GiftEntry{OwnerID: c.ActorID}
	ngs.PendingVictimID = ""
	ngs.CurrentTurnIndex++

	ev := Event{
		Type:      EventPick,
		PlayerID:  c.ActorID,
		GiftID:    c.GiftID,
		Timestamp: now,
	}
	if holds {
		ev.ExchangedGiftID = heldID
	}
	events := appendHistory(ngs, ev)
	events = append(events, maybeEndGame(next, now)...)
	return next, events, nil
}

func applySteal(p *Party, c Steal, now time.Time) (*Party, []Event, error) {
	gs, err := activeState(p, c.ActorID)
	if err != nil {
		return nil, nil, err
	}

	entry, ok := gs.UnwrappedGifts[c.GiftID]
	if !ok {
		return nil, nil, violation(ViolationGiftNotFound, "gift %s is not in play", c.GiftID)
	}
	if entry.OwnerID == c.ActorID {
		return nil, nil, violation(ViolationGiftNotStealable, "cannot steal your own gift")
	}
	if entry.IsFrozen {
		return nil, nil, violation(ViolationGiftNotStealable, "gift %s is frozen after %d steals", c.GiftID, entry.StealCount)
	}
	if entry.LastOwnerID == c.ActorID && !gs.InBoomerang() {
		return nil, nil, violation(ViolationUTurnForbidden, "gift %s was just taken from %s", c.GiftID, c.ActorID)
	}

	heldID, holds := gs.OwnedGift(c.ActorID)
	if holds && !gs.InBoomerang() && !playerOneFinalTurn(gs, c.ActorID) {
		return nil, nil, violation(ViolationAlreadyHoldsGift, "player %s already holds a gift", c.ActorID)
	}

	next := p.Clone()
	ngs := next.GameState
	stolen := ngs.UnwrappedGifts[c.GiftID]
	victim := stolen.OwnerID

	stolen.OwnerID = c.ActorID
	stolen.StealCount++
	stolen.IsFrozen = stolen.StealCount >= ngs.Config.MaxSteals
	stolen.LastOwnerID = victim

	ev := Event{
		Type:            EventSteal,
		PlayerID:        c.ActorID,
		GiftID:          c.GiftID,
		PreviousOwnerID: victim,
		StealCount:      stolen.StealCount,
		IsFrozen:        stolen.IsFrozen,
		Timestamp:       now,
	}

	if holds {
		// Swap: the actor's previous gift transfers to the victim and the
		// chain resolves with nobody pending. Counters carry over.
		held := ngs.UnwrappedGifts[heldID]
		held.OwnerID = victim
		held.LastOwnerID = c.ActorID
		ngs.PendingVictimID = ""
		ev.ExchangedGiftID = heldID
	} else {
		ngs.PendingVictimID = victim
	}

	// Time is paused during a steal chain: the queue pointer never moves.
	events := appendHistory(ngs, ev)
	return next, events, nil
}

func applyEndTurn(p *Party, c EndTurn, now time.Time) (*Party, []Event, error) {
	gs, err := activeState(p, c.ActorID)
	if err != nil {
		return nil, nil, err
	}
	if _, holds := gs.OwnedGift(c.ActorID); !holds {
		return nil, nil, violation(ViolationSkipRequiresGift, "player %s has no gift and must pick or steal", c.ActorID)
	}

	next := p.Clone()
	ngs := next.GameState
	ngs.PendingVictimID = ""
	ngs.CurrentTurnIndex++

	events := appendHistory(ngs, Event{Type: EventEndTurn, PlayerID: c.ActorID, Timestamp: now})
	events = append(events, maybeEndGame(next, now)...)
	return next, events, nil
}

func applyEndGame(p *Party, c EndGame, now time.Time) (*Party, []Event, error) {
	if c.ActorID != p.AdminID {
		return nil, nil, violation(ViolationUnauthorized, "only the admin can end the game")
	}
	if p.Status != StatusActive || p.GameState == nil {
		return nil, nil, violation(ViolationGameNotActive, "party %s is %s", p.ID, p.Status)
	}

	// Ownership freezes verbatim, even mid steal chain.
	next := p.Clone()
	next.Status = StatusEnded
	events := appendHistory(next.GameState, Event{Type: EventGameEnd, PlayerID: c.ActorID, Timestamp: now})
	return next, events, nil
}

func applyResetGame(p *Party, c ResetGame, _ time.Time) (*Party, []Event, error) {
	if c.ActorID != p.AdminID {
		return nil, nil, violation(ViolationUnauthorized, "only the admin can reset the game")
	}

	next := p.Clone()
	next.Status = StatusLobby
	next.GameState = nil
	return next, nil, nil
}

// activeState performs the checks shared by every in-game command: the party
// must be ACTIVE and the actor must be the one id allowed to act.
func activeState(p *Party, actorID string) (*GameState, error) {
	if p.Status != StatusActive || p.GameState == nil {
		return nil, violation(ViolationGameNotActive, "party %s is %s", p.ID, p.Status)
	}
	gs := p.GameState
	active := gs.ActivePlayerID()
	if active == "" || active != actorID {
		return nil, violation(ViolationNotYourTurn, "it is not %s's turn", actorID)
	}
	return gs, nil
}

// playerOneFinalTurn reports the standard-mode exception: the opening player
// gets one final chance at the very last queue slot.
func playerOneFinalTurn(gs *GameState, actorID string) bool {
	if gs.Config.ReturnToStart {
		return false
	}
	return gs.CurrentTurnIndex == len(gs.TurnQueue)-1 && len(gs.TurnQueue) > 0 && gs.TurnQueue[0] == actorID
}

// maybeEndGame runs end-of-game detection after a pointer advance. It
// mutates the already-cloned party in place.
func maybeEndGame(p *Party, now time.Time) []Event {
	gs := p.GameState
	if gs.PendingVictimID != "" {
		return nil
	}
	if gs.CurrentTurnIndex < len(gs.TurnQueue) {
		return nil
	}
	if len(gs.UnwrappedGifts) != gs.Players() {
		return nil
	}
	p.Status = StatusEnded
	return appendHistory(gs, Event{Type: EventGameEnd, Timestamp: now})
}

func appendHistory(gs *GameState, ev Event) []Event {
	gs.History = append(gs.History, ev)
	return []Event{ev}
}

// goingParticipants filters and orders the confirmed players by join time,
// giving the shuffle a stable input.
func goingParticipants(participants []Participant) []Participant {
	var going []Participant
	for _, part := range participants {
		if part.Status == ParticipantGoing {
			going = append(going, part)
		}
	}
	sort.SliceStable(going, func(i, j int) bool {
		if going[i].JoinedAt.Equal(going[j].JoinedAt) {
			return going[i].UserID < going[j].UserID
		}
		return going[i].JoinedAt.Before(going[j].JoinedAt)
	})
	return going
}

// allocateGifts picks exactly one gift per going player: the first gift each
// submitter contributed, in submission order. Every player must have
// submitted at least one.
func allocateGifts(going []Participant, gifts []Gift) ([]string, error) {
	ordered := append([]Gift(nil), gifts...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].SubmittedAt.Equal(ordered[j].SubmittedAt) {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].SubmittedAt.Before(ordered[j].SubmittedAt)
	})

	firstBySubmitter := make(map[string]string)
	for _, g := range ordered {
		if _, ok := firstBySubmitter[g.SubmitterID]; !ok {
			firstBySubmitter[g.SubmitterID] = g.ID
		}
	}

	pool := make([]string, 0, len(going))
	for _, part := range going {
		giftID, ok := firstBySubmitter[part.UserID]
		if !ok {
			return nil, violation(ViolationInsufficientGifts, "participant %s has not submitted a gift", part.UserID)
		}
		pool = append(pool, giftID)
	}
	return pool, nil
}

// shuffledOrder produces the deterministic turn order for a seed.
func shuffledOrder(going []Participant, seed int64) []string {
	ids := make([]string, len(going))
	for i, part := range going {
		ids[i] = part.UserID
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(ids), func(i, j int) {
		ids[i], ids[j] = ids[j], ids[i]
	})
	return ids
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
