package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

var errUnauthorized = errors.New("unauthorized")

type presenceResponse struct {
	UserID      string     `json:"userId"`
	Status      string     `json:"status"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
	Connections int        `json:"connections"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Online  int    `json:"online"`
	Error   string `json:"error,omitempty"`
}

// HandlePresence answers GET /presence/{userId} from the live tracker,
// falling back to the ledger for last-seen.
func (s *Server) HandlePresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if _, err := s.authenticateRequest(r); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errUnauthorized) {
			status = http.StatusUnauthorized
		}
		http.Error(w, http.StatusText(status), status)
		return
	}
	userID := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/presence/"))
	if userID == "" || strings.Contains(userID, "/") {
		writeError(w, http.StatusBadRequest, errors.New("user id required"))
		return
	}
	record, connections := s.controller.PresenceOf(userID)
	resp := presenceResponse{
		UserID:      userID,
		Status:      string(record.Status),
		Connections: connections,
	}
	lastSeen := record.LastSeen
	if lastSeen.IsZero() && connections == 0 {
		lastSeen = s.ledgerLastSeen(r.Context(), userID)
	}
	if !lastSeen.IsZero() {
		seen := lastSeen.UTC()
		resp.LastSeen = &seen
	}
	writeJSON(w, http.StatusOK, resp)
}

// ledgerLastSeen covers users who went offline before the last restart.
func (s *Server) ledgerLastSeen(ctx context.Context, userID string) time.Time {
	if s.opts.History == nil {
		return time.Time{}
	}
	p, err := s.opts.History.GetPresence(ctx, userID)
	if err != nil {
		s.log.Warn("presence ledger lookup", zap.String("user", userID), zap.Error(err))
		return time.Time{}
	}
	if p == nil {
		return time.Time{}
	}
	return p.LastSeen
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	resp := healthResponse{Status: "ok", Version: Version, Online: len(s.controller.OnlineUsers())}
	if s.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Ready(ctx); err != nil {
			s.log.Warn("readiness check failed", zap.Error(err))
			resp.Status, resp.Error = "degraded", err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// authenticateRequest resolves the bearer token of an HTTP query.
func (s *Server) authenticateRequest(r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		return "", errUnauthorized
	}
	userID, err := s.verifier.Verify(r.Context(), token)
	if err != nil || userID == "" {
		return "", fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	return userID, nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
