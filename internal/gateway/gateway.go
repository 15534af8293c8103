// Package gateway is the WebSocket front door: it authenticates sessions,
// validates party membership, translates client frames into typed commands,
// and feeds authoritative broadcasts back out.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Leftyshields/better-white-elephant-sub001/internal/auth"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/broadcast"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/game"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/metrics"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/party"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/store"
)

// AdminDriver is the bot control surface the gateway routes admin_* frames
// to. Nil when bots are disabled.
type AdminDriver interface {
	AddBots(ctx context.Context, partyID, adminID string, count int) ([]string, error)
	ToggleAutoplay(ctx context.Context, partyID, adminID string, active bool) error
	ForceBotMove(ctx context.Context, partyID, adminID, move string) error
}

// Options configures a Gateway.
type Options struct {
	RateLimit  int
	RateWindow time.Duration
	SendBuffer int
}

// Gateway wires sessions to the actor layer.
type Gateway struct {
	auth     *auth.Provider
	store    store.Store
	registry *party.Registry
	bcast    *broadcast.Broadcaster
	bots     AdminDriver
	metrics  *metrics.Metrics
	limiter  *RateLimiter

	sendBuffer int
	upgrader   websocket.Upgrader
}

// New creates a Gateway. bots may be nil.
func New(authp *auth.Provider, st store.Store, registry *party.Registry, bcast *broadcast.Broadcaster, bots AdminDriver, m *metrics.Metrics, opts Options) *Gateway {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	return &Gateway{
		auth:       authp,
		store:      st,
		registry:   registry,
		bcast:      bcast,
		bots:       bots,
		metrics:    m,
		limiter:    NewRateLimiter(opts.RateLimit, opts.RateWindow),
		sendBuffer: opts.SendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     buildCheckOrigin(),
		},
	}
}

// Stop releases background resources.
func (g *Gateway) Stop() {
	g.limiter.Stop()
}

// buildCheckOrigin returns a CheckOrigin function based on the deployment
// environment. In production, only origins listed in ALLOWED_ORIGINS are
// accepted; elsewhere all origins are allowed.
func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("APP_ENV")
	allowedRaw := os.Getenv("ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		slog.Info("[Gateway] Origin allowlist active", "count", len(allowed))
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			slog.Info("[Gateway] Rejected connection from origin", "origin", origin)
			return false
		}
	}

	if env == "production" && allowedRaw == "" {
		slog.Warn("[Gateway] ALLOWED_ORIGINS not set in production, allowing all origins")
	}
	return func(r *http.Request) bool { return true }
}

// HandleWS upgrades the HTTP request and runs the session pumps. The bearer
// token comes from the Authorization header or the token query parameter.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	userID, err := g.auth.Resolve(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Gateway] Upgrade failed", "error", err)
		return
	}

	s := &session{
		gw:     g,
		id:     uuid.New().String(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, g.sendBuffer),
		done:   make(chan struct{}),
		joined: make(map[string]bool),
	}

	slog.Info("[Gateway] Session connected", "session_id", s.id, "user_id", userID)
	go s.writePump()
	go s.readPump()
}

type errorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type partyRef struct {
	PartyID string `json:"partyId"`
}

type giftAction struct {
	PartyID string `json:"partyId"`
	GiftID  string `json:"giftId"`
}

type startAction struct {
	PartyID string `json:"partyId"`
	Seed    *int64 `json:"seed,omitempty"`
}

type reactionAction struct {
	PartyID string `json:"partyId"`
	Type    string `json:"type"`
	Value   string `json:"value"`
}

type reactionBroadcast struct {
	PartyID string `json:"partyId"`
	UserID  string `json:"userId"`
	Type    string `json:"type"`
	Value   string `json:"value"`
}

type addBotsAction struct {
	PartyID string `json:"partyId"`
	Count   int    `json:"count"`
}

type autoplayAction struct {
	PartyID string `json:"partyId"`
	Active  bool   `json:"active"`
}

func (g *Gateway) dispatch(s *session, f frame) {
	if !g.limiter.Allow(s.id) {
		s.sendFrame("error", errorPayload{Message: "rate limit exceeded", Code: "RATE_LIMITED"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch f.Event {
	case "join-party":
		g.handleJoin(ctx, s, f.Data)

	case "start-game":
		var a startAction
		if !decode(s, f.Data, &a) {
			return
		}
		cmd := game.StartGame{ActorID: s.userID}
		if a.Seed != nil {
			cmd.Seed, cmd.HasSeed = *a.Seed, true
		}
		g.submit(ctx, s, a.PartyID, cmd)

	case "pick-gift":
		var a giftAction
		if !decode(s, f.Data, &a) {
			return
		}
		g.submit(ctx, s, a.PartyID, game.Pick{ActorID: s.userID, GiftID: a.GiftID})

	case "steal-gift":
		var a giftAction
		if !decode(s, f.Data, &a) {
			return
		}
		g.submit(ctx, s, a.PartyID, game.Steal{ActorID: s.userID, GiftID: a.GiftID})

	case "end-turn":
		var a partyRef
		if !decode(s, f.Data, &a) {
			return
		}
		g.submit(ctx, s, a.PartyID, game.EndTurn{ActorID: s.userID})

	case "send_reaction":
		g.handleReaction(ctx, s, f.Data)

	case "admin_batch_add_bots":
		var a addBotsAction
		if !decode(s, f.Data, &a) {
			return
		}
		g.withBots(s, func(bots AdminDriver) {
			botIDs, err := bots.AddBots(ctx, a.PartyID, s.userID, a.Count)
			if err != nil {
				s.sendFrame("error", toErrorPayload(err))
				return
			}
			s.sendFrame("bots-added", map[string]interface{}{"partyId": a.PartyID, "botIds": botIDs})
		})

	case "admin_toggle_autoplay":
		var a autoplayAction
		if !decode(s, f.Data, &a) {
			return
		}
		g.withBots(s, func(bots AdminDriver) {
			if err := bots.ToggleAutoplay(ctx, a.PartyID, s.userID, a.Active); err != nil {
				s.sendFrame("error", toErrorPayload(err))
				return
			}
			s.sendFrame("autoplay-toggled", map[string]interface{}{"partyId": a.PartyID, "active": a.Active})
		})

	case "admin_force_bot_move", "admin_force_bot_steal", "admin_force_bot_pick", "admin_force_bot_skip":
		var a partyRef
		if !decode(s, f.Data, &a) {
			return
		}
		move := strings.TrimPrefix(f.Event, "admin_force_bot_")
		g.withBots(s, func(bots AdminDriver) {
			if err := bots.ForceBotMove(ctx, a.PartyID, s.userID, move); err != nil {
				s.sendFrame("error", toErrorPayload(err))
				return
			}
			s.sendFrame("bot-move-forced", map[string]interface{}{"partyId": a.PartyID, "move": move})
		})

	case "admin_reset_game":
		var a partyRef
		if !decode(s, f.Data, &a) {
			return
		}
		g.submit(ctx, s, a.PartyID, game.ResetGame{ActorID: s.userID})

	default:
		s.sendFrame("error", errorPayload{Message: "unknown event " + f.Event, Code: "BAD_FRAME"})
	}
}

func (g *Gateway) handleJoin(ctx context.Context, s *session, data json.RawMessage) {
	var a partyRef
	if !decode(s, data, &a) {
		return
	}

	snapshot, err := g.registry.Snapshot(ctx, a.PartyID)
	if err != nil {
		s.sendFrame("error", toErrorPayload(err))
		return
	}

	if snapshot.AdminID != s.userID {
		roster, err := g.store.LoadRoster(ctx, a.PartyID)
		if err != nil {
			s.sendFrame("error", errorPayload{Message: "failed to load roster", Code: "TRANSIENT"})
			return
		}
		member := false
		for _, p := range roster.Participants {
			if p.UserID == s.userID {
				member = true
				break
			}
		}
		if !member {
			s.sendFrame("error", errorPayload{Message: "not a member of this party", Code: "NOT_A_MEMBER"})
			return
		}
	}

	if !s.hasJoined(a.PartyID) {
		g.bcast.Subscribe(a.PartyID, s)
		g.metrics.SessionSubscribed()
		s.trackJoin(a.PartyID)
	}

	s.sendFrame("party-joined", map[string]interface{}{"partyId": a.PartyID, "roomName": snapshot.Title})
	s.sendFrame("game-state", snapshot)
}

func (g *Gateway) handleReaction(ctx context.Context, s *session, data json.RawMessage) {
	var a reactionAction
	if !decode(s, data, &a) {
		return
	}
	if !s.hasJoined(a.PartyID) {
		s.sendFrame("error", errorPayload{Message: "join the party first", Code: "NOT_JOINED"})
		return
	}

	raw, err := json.Marshal(reactionBroadcast{
		PartyID: a.PartyID,
		UserID:  s.userID,
		Type:    a.Type,
		Value:   a.Value,
	})
	if err != nil {
		return
	}
	// Reactions never touch game state; they fan out as-is.
	g.bcast.Publish(ctx, broadcast.Message{
		Event:   "reaction",
		PartyID: a.PartyID,
		Data:    raw,
	})
}

// submit runs one command through the party actor and reports failures back
// to the originating session only. Successes arrive via broadcast.
func (g *Gateway) submit(ctx context.Context, s *session, partyID string, cmd game.Command) {
	if partyID == "" {
		s.sendFrame("error", errorPayload{Message: "partyId is required", Code: "BAD_FRAME"})
		return
	}
	res := g.registry.Submit(ctx, partyID, cmd)
	if res.Err != nil {
		s.sendFrame("error", toErrorPayload(res.Err))
	}
}

func (g *Gateway) withBots(s *session, fn func(AdminDriver)) {
	if g.bots == nil {
		s.sendFrame("error", errorPayload{Message: "bots are disabled", Code: "BOTS_DISABLED"})
		return
	}
	fn(g.bots)
}

func decode(s *session, data json.RawMessage, dst interface{}) bool {
	if err := json.Unmarshal(data, dst); err != nil {
		s.sendFrame("error", errorPayload{Message: "invalid payload", Code: "BAD_FRAME"})
		return false
	}
	return true
}

// toErrorPayload maps internal errors onto the wire error frame. Rule
// violations carry their kind as the code.
func toErrorPayload(err error) errorPayload {
	var rule *game.RuleError
	switch {
	case errors.As(err, &rule):
		return errorPayload{Message: rule.Error(), Code: string(rule.Kind)}
	case errors.Is(err, store.ErrNotFound):
		return errorPayload{Message: "party not found", Code: "NOT_FOUND"}
	case errors.Is(err, party.ErrBusy):
		return errorPayload{Message: "server busy, try again", Code: "BUSY"}
	case errors.Is(err, party.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return errorPayload{Message: "command timed out", Code: "TIMEOUT"}
	default:
		return errorPayload{Message: "temporary failure, try again", Code: "TRANSIENT"}
	}
}
