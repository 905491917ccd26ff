// Package httpapi implements the JSON HTTP control surface: device/guest
// bootstrap and account auth, player-state blob storage, and the forge/
// chest lock-gated state endpoints. It sits alongside the WebSocket
// session gateway as the other half of the client-facing API.
package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/outpostgame/worldserver/internal/chest"
	"github.com/outpostgame/worldserver/internal/forge"
	"github.com/outpostgame/worldserver/internal/identity"
	"github.com/outpostgame/worldserver/internal/lockservice"
	"github.com/outpostgame/worldserver/internal/playerstate"
)

// Server wires the HTTP control surface to the domain services.
type Server struct {
	identity *identity.Service
	players  *playerstate.Service
	forges   *forge.Service
	chests   *chest.Service
	locks    *lockservice.Service
	tokenTTL time.Duration
}

func NewServer(id *identity.Service, players *playerstate.Service, forges *forge.Service, chests *chest.Service, locks *lockservice.Service, tokenTTL time.Duration) *Server {
	return &Server{identity: id, players: players, forges: forges, chests: chests, locks: locks, tokenTTL: tokenTTL}
}

// Routes returns the configured mux; callers mount it under their own
// net/http.Server.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/device/guest", s.handleDeviceGuest)
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/player/state", s.handlePlayerState)
	mux.HandleFunc("/api/forge/state", s.handleForgeState)
	mux.HandleFunc("/api/forge/lock/renew", s.handleForgeLockRenew)
	mux.HandleFunc("/api/forge/lock/release", s.handleForgeLockRelease)
	mux.HandleFunc("/api/chest/state", s.handleChestState)
	mux.HandleFunc("/api/chest/lock/release", s.handleChestLockRelease)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func decodeBody(r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return false
	}
	return true
}

// handleDeviceGuest implements POST /api/auth/device/guest.
func (s *Server) handleDeviceGuest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_body")
		return
	}
	var body struct {
		DeviceKey string `json:"deviceKey"`
		WorldID   string `json:"worldId"`
	}
	if !decodeBody(r, &body) || body.DeviceKey == "" {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	guestID, err := s.identity.GuestForDevice(r.Context(), body.DeviceKey)
	if errors.Is(err, identity.ErrGuestMigrated) {
		writeError(w, http.StatusConflict, "guest_migrated_requires_login")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "db_unavailable")
		return
	}
	token, exp, err := s.identity.IssueToken(guestID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "db_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"guestId":    guestID,
		"worldId":    body.WorldID,
		"token":      token,
		"tokenExpMs": exp.UnixMilli(),
	})
}

// handleRegister implements POST /api/auth/register.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_body")
		return
	}
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
		GuestID  string `json:"guestId"`
	}
	if !decodeBody(r, &body) || body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	result, err := s.identity.Register(r.Context(), body.Username, body.Password, body.GuestID)
	if errors.Is(err, identity.ErrUsernameTaken) {
		writeError(w, http.StatusConflict, "username_taken")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "db_unavailable")
		return
	}

	resp := map[string]any{"userId": result.UserID, "guestId": result.GuestID}
	if result.MFASecret != "" {
		resp["mfaSecret"] = result.MFASecret
		resp["mfaQrCodePng"] = base64.StdEncoding.EncodeToString(result.QRCodePNG)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLogin implements POST /api/auth/login.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_body")
		return
	}
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
		TOTP     string `json:"totp"`
		WorldID  string `json:"worldId"`
	}
	if !decodeBody(r, &body) || body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	token, guestID, err := s.identity.Login(r.Context(), body.Username, body.Password, body.TOTP)
	switch {
	case errors.Is(err, identity.ErrInvalidCreds):
		writeError(w, http.StatusUnauthorized, "auth_invalid")
		return
	case errors.Is(err, identity.ErrMFARequired):
		writeError(w, http.StatusUnauthorized, "mfa_required")
		return
	case errors.Is(err, identity.ErrMFAInvalid):
		writeError(w, http.StatusUnauthorized, "mfa_invalid")
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, "db_unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"guestId": guestID,
		"worldId": body.WorldID,
		"token":   token,
	})
}

// handlePlayerState implements GET/PUT /api/player/state.
func (s *Server) handlePlayerState(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		guestID, worldID := r.URL.Query().Get("guestId"), r.URL.Query().Get("worldId")
		if guestID == "" || worldID == "" {
			writeError(w, http.StatusBadRequest, "invalid_query")
			return
		}
		blob, updatedAt, err := s.players.Get(r.Context(), guestID, worldID)
		if errors.Is(err, playerstate.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "db_unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": json.RawMessage(blob), "updatedAt": updatedAt.UnixMilli()})

	case http.MethodPut:
		var body struct {
			GuestID string          `json:"guestId"`
			WorldID string          `json:"worldId"`
			State   json.RawMessage `json:"state"`
		}
		if !decodeBody(r, &body) || body.GuestID == "" || body.WorldID == "" {
			writeError(w, http.StatusBadRequest, "invalid_body")
			return
		}
		if err := s.players.Put(r.Context(), body.GuestID, body.WorldID, string(body.State)); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "invalid_body")
	}
}

// handleForgeState implements GET/PUT /api/forge/state.
func (s *Server) handleForgeState(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		worldID, forgeID, guestID := r.URL.Query().Get("worldId"), r.URL.Query().Get("forgeId"), r.URL.Query().Get("guestId")
		if worldID == "" || forgeID == "" || guestID == "" {
			writeError(w, http.StatusBadRequest, "invalid_query")
			return
		}
		token, err := s.locks.Acquire(r.Context(), lockservice.ForgeKey(worldID, forgeID), guestID, lockservice.LeaseTTL)
		if errors.Is(err, lockservice.ErrLocked) {
			writeError(w, http.StatusLocked, "locked")
			return
		}
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "db_unavailable")
			return
		}
		state, updatedAt, err := s.forges.Get(r.Context(), worldID, forgeID)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "db_unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": state, "lockToken": token, "updatedAt": updatedAt.UnixMilli()})

	case http.MethodPut:
		var body struct {
			WorldID   string      `json:"worldId"`
			ForgeID   string      `json:"forgeId"`
			LockToken string      `json:"lockToken"`
			State     forge.State `json:"state"`
		}
		if !decodeBody(r, &body) || body.WorldID == "" || body.ForgeID == "" {
			writeError(w, http.StatusBadRequest, "invalid_body")
			return
		}
		_, err := s.forges.Put(r.Context(), body.WorldID, body.ForgeID, body.LockToken, func(forge.State) forge.State {
			return body.State
		})
		if errors.Is(err, lockservice.ErrLocked) {
			writeError(w, http.StatusLocked, "locked")
			return
		}
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "db_unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "invalid_body")
	}
}

func (s *Server) handleForgeLockRenew(w http.ResponseWriter, r *http.Request) {
	s.handleForgeLockOp(w, r, func(key, token string) error {
		return s.locks.Renew(r.Context(), key, token, lockservice.LeaseTTL)
	})
}

func (s *Server) handleForgeLockRelease(w http.ResponseWriter, r *http.Request) {
	s.handleForgeLockOp(w, r, func(key, token string) error {
		return s.locks.Release(r.Context(), key, token)
	})
}

func (s *Server) handleForgeLockOp(w http.ResponseWriter, r *http.Request, op func(key, token string) error) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_body")
		return
	}
	var body struct {
		WorldID   string `json:"worldId"`
		ForgeID   string `json:"forgeId"`
		LockToken string `json:"lockToken"`
	}
	if !decodeBody(r, &body) || body.WorldID == "" || body.ForgeID == "" {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	err := op(lockservice.ForgeKey(body.WorldID, body.ForgeID), body.LockToken)
	if errors.Is(err, lockservice.ErrLocked) {
		writeError(w, http.StatusLocked, "locked")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "db_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleChestState implements GET/PUT /api/chest/state.
func (s *Server) handleChestState(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		worldID, chestID, guestID := r.URL.Query().Get("worldId"), r.URL.Query().Get("chestId"), r.URL.Query().Get("guestId")
		if worldID == "" || chestID == "" || guestID == "" {
			writeError(w, http.StatusBadRequest, "invalid_query")
			return
		}
		state, token, updatedAt, err := s.chests.Open(r.Context(), worldID, chestID, guestID)
		switch {
		case errors.Is(err, chest.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found")
			return
		case errors.Is(err, chest.ErrForbidden):
			writeError(w, http.StatusForbidden, "forbidden")
			return
		case errors.Is(err, lockservice.ErrLocked):
			writeError(w, http.StatusLocked, "locked")
			return
		case err != nil:
			writeError(w, http.StatusServiceUnavailable, "db_unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": state, "lockToken": token, "updatedAt": updatedAt.UnixMilli()})

	case http.MethodPut:
		var body struct {
			WorldID   string      `json:"worldId"`
			ChestID   string      `json:"chestId"`
			GuestID   string      `json:"guestId"`
			LockToken string      `json:"lockToken"`
			State     chest.State `json:"state"`
		}
		if !decodeBody(r, &body) || body.WorldID == "" || body.ChestID == "" {
			writeError(w, http.StatusBadRequest, "invalid_body")
			return
		}
		err := s.chests.Write(r.Context(), body.WorldID, body.ChestID, body.GuestID, body.LockToken, body.State)
		switch {
		case errors.Is(err, chest.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found")
			return
		case errors.Is(err, chest.ErrForbidden):
			writeError(w, http.StatusForbidden, "forbidden")
			return
		case errors.Is(err, lockservice.ErrLocked):
			writeError(w, http.StatusLocked, "locked")
			return
		case err != nil:
			writeError(w, http.StatusServiceUnavailable, "db_unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "invalid_body")
	}
}

func (s *Server) handleChestLockRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_body")
		return
	}
	var body struct {
		WorldID   string `json:"worldId"`
		ChestID   string `json:"chestId"`
		LockToken string `json:"lockToken"`
	}
	if !decodeBody(r, &body) || body.WorldID == "" || body.ChestID == "" {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if err := s.chests.ReleaseLock(r.Context(), body.WorldID, body.ChestID, body.LockToken); err != nil {
		writeError(w, http.StatusServiceUnavailable, "db_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
