// Package bots manages synthetic participants: admins can pad a party with
// bots, force individual bot moves, or let an autoplay loop drive every bot
// turn. Bots never bypass the rules; their commands travel the same actor
// mailbox path as human ones.
package bots

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Leftyshields/better-white-elephant-sub001/internal/broadcast"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/game"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/party"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/store"
)

const botIDPrefix = "bot-"

// IsBot reports whether a user id belongs to a synthetic participant.
func IsBot(userID string) bool {
	return strings.HasPrefix(userID, botIDPrefix)
}

// Driver owns bot creation and the per-party autoplay loops.
type Driver struct {
	store    store.Store
	registry *party.Registry
	bcast    *broadcast.Broadcaster
	delay    time.Duration

	mu       sync.Mutex
	autoplay map[string]chan struct{} // party id -> loop stop channel
	stopped  bool
}

// NewDriver creates a Driver. delay paces autoplay moves.
func NewDriver(st store.Store, registry *party.Registry, bcast *broadcast.Broadcaster, delay time.Duration) *Driver {
	if delay <= 0 {
		delay = 800 * time.Millisecond
	}
	return &Driver{
		store:    st,
		registry: registry,
		bcast:    bcast,
		delay:    delay,
		autoplay: make(map[string]chan struct{}),
	}
}

// Stop halts every autoplay loop.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for partyID, stop := range d.autoplay {
		close(stop)
		delete(d.autoplay, partyID)
	}
}

// AddBots creates count synthetic participants with generated gifts. The
// store notifications take care of refreshing the party actor's roster.
func (d *Driver) AddBots(ctx context.Context, partyID, adminID string, count int) ([]string, error) {
	if err := d.requireAdmin(ctx, partyID, adminID); err != nil {
		return nil, err
	}
	if count < 1 || count > 20 {
		return nil, fmt.Errorf("bot count must be between 1 and 20, got %d", count)
	}

	now := time.Now().UTC()
	botIDs := make([]string, 0, count)
	for i := 0; i < count; i++ {
		botID := botIDPrefix + uuid.New().String()[:8]

		if err := d.store.UpsertUser(ctx, store.User{ID: botID, Name: "Bot " + botID[len(botIDPrefix):]}); err != nil {
			return botIDs, fmt.Errorf("create bot user: %w", err)
		}
		if err := d.store.AddParticipant(ctx, partyID, game.Participant{
			UserID:   botID,
			Status:   game.ParticipantGoing,
			JoinedAt: now.Add(time.Duration(i) * time.Millisecond),
		}); err != nil {
			return botIDs, fmt.Errorf("add bot participant: %w", err)
		}
		if err := d.store.AddGift(ctx, game.Gift{
			ID:          uuid.New().String(),
			PartyID:     partyID,
			SubmitterID: botID,
			Title:       "Mystery Gift",
			SubmittedAt: now.Add(time.Duration(i) * time.Millisecond),
		}); err != nil {
			return botIDs, fmt.Errorf("add bot gift: %w", err)
		}
		botIDs = append(botIDs, botID)
	}

	slog.Info("[BotDriver] Bots added", "party_id", partyID, "count", count)
	return botIDs, nil
}

// ToggleAutoplay starts or stops the autoplay loop for a party.
func (d *Driver) ToggleAutoplay(ctx context.Context, partyID, adminID string, active bool) error {
	if err := d.requireAdmin(ctx, partyID, adminID); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return fmt.Errorf("bot driver is stopped")
	}

	stop, running := d.autoplay[partyID]
	switch {
	case active && !running:
		stop = make(chan struct{})
		d.autoplay[partyID] = stop
		go d.autoplayLoop(partyID, stop)
		slog.Info("[BotDriver] Autoplay enabled", "party_id", partyID)
	case !active && running:
		close(stop)
		delete(d.autoplay, partyID)
		slog.Info("[BotDriver] Autoplay disabled", "party_id", partyID)
	}
	return nil
}

// ForceBotMove makes the bot whose turn it is act immediately. move is one
// of "move", "pick", "steal", "skip"; "move" picks heuristically.
func (d *Driver) ForceBotMove(ctx context.Context, partyID, adminID, move string) error {
	if err := d.requireAdmin(ctx, partyID, adminID); err != nil {
		return err
	}

	snapshot, err := d.registry.Snapshot(ctx, partyID)
	if err != nil {
		return err
	}
	active := snapshot.ActivePlayerID()
	if active == "" || !IsBot(active) {
		return fmt.Errorf("active player is not a bot")
	}

	var cmd game.Command
	switch move {
	case "move", "":
		cmd = d.heuristicCommand(snapshot.GameState, active)
	case "pick":
		if len(snapshot.GameState.WrappedGifts) == 0 {
			return fmt.Errorf("no wrapped gifts to pick")
		}
		cmd = game.Pick{ActorID: active, GiftID: snapshot.GameState.WrappedGifts[0]}
	case "steal":
		giftID, ok := d.stealTarget(snapshot.GameState, active)
		if !ok {
			return fmt.Errorf("no stealable gift available")
		}
		cmd = game.Steal{ActorID: active, GiftID: giftID}
	case "skip":
		cmd = game.EndTurn{ActorID: active}
	default:
		return fmt.Errorf("unknown move %q", move)
	}

	res := d.registry.Submit(ctx, partyID, cmd)
	return res.Err
}

// autoplayLoop watches the party and acts whenever the active player is a
// bot. It exits when the game ends or autoplay is turned off.
func (d *Driver) autoplayLoop(partyID string, stop chan struct{}) {
	ticker := time.NewTicker(d.delay)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		snapshot, err := d.registry.Snapshot(ctx, partyID)
		if err != nil {
			cancel()
			slog.Warn("[BotDriver] Autoplay snapshot failed", "party_id", partyID, "error", err)
			continue
		}
		if snapshot.Status == game.StatusEnded {
			cancel()
			d.mu.Lock()
			if current, ok := d.autoplay[partyID]; ok && current == stop {
				delete(d.autoplay, partyID)
			}
			d.mu.Unlock()
			return
		}

		active := snapshot.ActivePlayerID()
		if snapshot.Status != game.StatusActive || !IsBot(active) {
			cancel()
			continue
		}

		cmd := d.heuristicCommand(snapshot.GameState, active)
		res := d.registry.Submit(ctx, partyID, cmd)
		if res.Err != nil {
			slog.Warn("[BotDriver] Autoplay move rejected", "party_id", partyID, "bot_id", active, "error", res.Err)
			cancel()
			continue
		}
		d.announceMove(ctx, partyID, active, cmd)
		cancel()
	}
}

// heuristicCommand implements the bot policy: pick when holding nothing and
// wrapped gifts remain, otherwise steal a viable gift, otherwise skip.
func (d *Driver) heuristicCommand(gs *game.GameState, botID string) game.Command {
	_, holds := gs.OwnedGift(botID)
	if !holds && len(gs.WrappedGifts) > 0 {
		return game.Pick{ActorID: botID, GiftID: gs.WrappedGifts[0]}
	}
	// A holder's turn only comes up in the boomerang phase or the opening
	// player's final slot, where steal-as-swap is legal.
	if giftID, ok := d.stealTarget(gs, botID); ok {
		return game.Steal{ActorID: botID, GiftID: giftID}
	}
	if holds {
		return game.EndTurn{ActorID: botID}
	}
	// Nothing wrapped and nothing viable to steal; submit any steal so the
	// engine reports the precise violation.
	for giftID := range gs.UnwrappedGifts {
		return game.Steal{ActorID: botID, GiftID: giftID}
	}
	return game.EndTurn{ActorID: botID}
}

// stealTarget finds a gift the bot may legally steal: not its own, not
// frozen, and not an immediate steal-back outside the boomerang phase.
func (d *Driver) stealTarget(gs *game.GameState, botID string) (string, bool) {
	for giftID, entry := range gs.UnwrappedGifts {
		if entry.OwnerID == botID || entry.IsFrozen {
			continue
		}
		if entry.LastOwnerID == botID && !gs.InBoomerang() {
			continue
		}
		return giftID, true
	}
	return "", false
}

func (d *Driver) announceMove(ctx context.Context, partyID, botID string, cmd game.Command) {
	raw, err := json.Marshal(map[string]string{
		"partyId":  partyID,
		"playerId": botID,
		"action":   string(cmd.Type()),
	})
	if err != nil {
		return
	}
	d.bcast.Publish(ctx, broadcast.Message{
		Event:   "autoplay-updated",
		PartyID: partyID,
		Data:    raw,
	})
}

func (d *Driver) requireAdmin(ctx context.Context, partyID, adminID string) error {
	snapshot, err := d.registry.Snapshot(ctx, partyID)
	if err != nil {
		return err
	}
	if snapshot.AdminID != adminID {
		return &game.RuleError{Kind: game.ViolationUnauthorized, Detail: "admin commands require the party admin"}
	}
	return nil
}
