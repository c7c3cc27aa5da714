package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"unlockbot/internal/session"
	"unlockbot/internal/storage"
	"unlockbot/internal/transport"
	"unlockbot/pkg/logx"
)

const maxBody = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"accounts": len(s.sessions.All()),
		"uptime":   time.Since(s.started).Round(time.Second).String(),
	})
}

type userRequest struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	TargetGroupID string `json:"target_group_id"`
	DelayTier     int    `json:"delay_tier"`
}

func (s *Server) handleUpsertUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !decode(w, r, &req) {
		return
	}
	id := session.NormalizeID(req.ID)
	if id == "" {
		writeError(w, http.StatusBadRequest, "id required")
		return
	}
	if req.DelayTier < 0 {
		writeError(w, http.StatusBadRequest, "delay_tier must not be negative")
		return
	}
	acct, err := s.store.UpsertAccount(r.Context(), storage.Account{
		ID:              id,
		Name:            req.Name,
		TargetChannelID: strings.TrimSpace(req.TargetGroupID),
		DelayTier:       req.DelayTier,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Re-warm in the background; the unit reports progress on the event stream.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()
	if err := s.sessions.RefreshReadiness(ctx, id); err != nil {
		s.log.Debug("refresh after upsert skipped", logx.String("account", id), logx.Err(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": acct})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListAccounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if users == nil {
		users = []storage.Account{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleListFires(w http.ResponseWriter, r *http.Request) {
	id := session.NormalizeID(chi.URLParam(r, "userId"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	fires, err := s.store.ListFires(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if fires == nil {
		fires = []storage.FireRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"fires": fires})
}

type startRequest struct {
	UserID         string `json:"userId"`
	UsePairingCode bool   `json:"usePairingCode"`
}

func (s *Server) startSession(req startRequest) (session.Snapshot, error) {
	mode := session.AuthQR
	if req.UsePairingCode {
		mode = session.AuthPairingCode
	}
	if _, err := s.sessions.Start(req.UserID, mode); err != nil {
		return session.Snapshot{}, err
	}
	return s.sessions.Status(req.UserID), nil
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decode(w, r, &req) {
		return
	}
	snap, err := s.startSession(req)
	switch {
	case errors.Is(err, session.ErrInvalidAccount):
		writeError(w, http.StatusBadRequest, "userId required")
	case errors.Is(err, session.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "session": snap})
	}
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.sessions.Status(chi.URLParam(r, "userId"))
	writeJSON(w, http.StatusOK, map[string]any{
		"connected": snap.Connected,
		"state":     snap.State,
		"armed":     snap.Armed,
		"attempts":  snap.Attempts,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.All()})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	err := s.sessions.RefreshReadiness(r.Context(), chi.URLParam(r, "userId"))
	switch {
	case errors.Is(err, session.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, transport.ErrNotConnected):
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "connected": false})
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "connected": true})
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "userId")
	if err := s.sessions.Delete(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrInvalidAccount) {
			writeError(w, http.StatusBadRequest, "userId required")
			return
		}
		s.log.Warn("delete finished with errors", logx.String("account", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func notConnected(err error) bool {
	return errors.Is(err, session.ErrAccountNotFound) || errors.Is(err, transport.ErrNotConnected)
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.sessions.Groups(r.Context(), chi.URLParam(r, "userId"))
	switch {
	case notConnected(err):
		writeError(w, http.StatusBadRequest, "Socket not connected for this user")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		if groups == nil {
			groups = []transport.GroupSummary{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
	}
}

type testFireRequest struct {
	UserID  string `json:"userId"`
	GroupID string `json:"groupId"`
}

func (s *Server) handleTestFire(w http.ResponseWriter, r *http.Request) {
	var req testFireRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.GroupID) == "" {
		writeError(w, http.StatusBadRequest, "userId and groupId required")
		return
	}
	err := s.sessions.TestFire(r.Context(), req.UserID, req.GroupID)
	switch {
	case notConnected(err):
		writeError(w, http.StatusBadRequest, "Socket not connected")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Test fired '.' successfully"})
	}
}

type sendRequest struct {
	UserID  string `json:"userId"`
	GroupID string `json:"groupId"`
	Text    string `json:"text"`
}

// handleSend runs a retried manual send and blocks until it resolves.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.GroupID) == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "userId, groupId and text required")
		return
	}
	res, err := s.sessions.Send(r.Context(), req.UserID, strings.TrimSpace(req.GroupID), req.Text)
	switch {
	case notConnected(err):
		writeError(w, http.StatusBadRequest, "Socket not connected")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	body := map[string]any{
		"success":  res.Err == nil,
		"outcome":  res.Outcome,
		"attempts": res.Attempts,
	}
	status := http.StatusOK
	if res.Err != nil {
		body["error"] = res.Err.Error()
		status = http.StatusBadGateway
	}
	writeJSON(w, status, body)
}
