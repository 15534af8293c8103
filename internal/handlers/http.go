// Package handlers holds the HTTP control surface: health, the admin
// game-end override, and batch user lookup. Realtime traffic goes through
// the gateway instead.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/Leftyshields/better-white-elephant-sub001/internal/auth"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/game"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/party"
	"github.com/Leftyshields/better-white-elephant-sub001/internal/store"
)

// API bundles the dependencies of the HTTP handlers.
type API struct {
	Auth     *auth.Provider
	Store    store.Store
	Registry *party.Registry

	// RedisConnected reports bus connectivity for /health; nil means the
	// server runs single-pod.
	RedisConnected func() bool
}

// Register mounts the HTTP routes on the router.
func (a *API) Register(router *mux.Router) {
	router.HandleFunc("/health", a.handleHealth).Methods("GET")
	router.HandleFunc("/api/game/end", a.handleEndGame).Methods("POST")
	router.HandleFunc("/api/users/batch", a.handleUsersBatch).Methods("POST")
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	storeStatus := "connected"
	status := "healthy"
	if err := a.Store.Ping(ctx); err != nil {
		storeStatus = "error"
		status = "degraded"
	}

	body := map[string]string{
		"status":  status,
		"service": "white-elephant",
		"store":   storeStatus,
	}
	if a.RedisConnected != nil {
		body["redis"] = "connected"
		if !a.RedisConnected() {
			body["redis"] = "error"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

type endGameRequest struct {
	PartyID string `json:"partyId"`
}

// handleEndGame is the admin override: it ends the game immediately and
// freezes ownership as-is. The bearer token must resolve to the party admin;
// the rule engine enforces that.
func (a *API) handleEndGame(w http.ResponseWriter, r *http.Request) {
	userID, err := a.Auth.Resolve(r.Header.Get("Authorization"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req endGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PartyID == "" {
		writeError(w, http.StatusBadRequest, "partyId is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	res := a.Registry.Submit(ctx, req.PartyID, game.EndGame{ActorID: userID})
	if res.Err != nil {
		status, message := mapCommandError(res.Err)
		writeError(w, status, message)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res.Party)
}

type usersBatchRequest struct {
	UserIDs []string `json:"userIds"`
}

// handleUsersBatch resolves user ids to display names for the client.
func (a *API) handleUsersBatch(w http.ResponseWriter, r *http.Request) {
	if _, err := a.Auth.Resolve(r.Header.Get("Authorization")); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req usersBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.UserIDs) > 200 {
		writeError(w, http.StatusBadRequest, "too many user ids")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	users, err := a.Store.LookupUsers(ctx, req.UserIDs)
	if err != nil {
		slog.Error("[API] User lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if users == nil {
		users = []store.User{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"users": users})
}

func mapCommandError(err error) (int, string) {
	var rule *game.RuleError
	switch {
	case game.IsViolation(err, game.ViolationUnauthorized):
		return http.StatusForbidden, err.Error()
	case errors.As(err, &rule):
		return http.StatusConflict, err.Error()
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "party not found"
	case errors.Is(err, party.ErrBusy):
		return http.StatusServiceUnavailable, "server busy"
	default:
		return http.StatusInternalServerError, "temporary failure"
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
