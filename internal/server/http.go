package server

import (
	"encoding/json"
	"net/http"

	"github.com/AjaxZhan/devspace/internal/logging"
	"github.com/AjaxZhan/devspace/internal/security"
)

const maxCookieBody = 64 << 10

type networkInfo struct {
	AllowedModes []string `json:"allowedModes"`
	DefaultMode  string   `json:"defaultMode"`
}

type limitsInfo struct {
	MaxConcurrentSessions *int `json:"maxConcurrentSessions"`
	MaxSessionsPerUser    *int `json:"maxSessionsPerUser"`
	IdleMinutes           int  `json:"idleMinutes"`
}

// ConfigResponse is the public client configuration served at /config.
type ConfigResponse struct {
	Allowlist           []string    `json:"allowlist"`
	Network             networkInfo `json:"network"`
	Limits              limitsInfo  `json:"limits"`
	FSMode              string      `json:"fsMode"`
	SessionGraceSeconds int         `json:"sessionGraceSeconds"`
}

// HealthResponse is served at /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Users    int    `json:"users"`
	Runtime  string `json:"runtime"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("Failed to write response", logging.Err(err))
	}
}

func optionalLimit(n int) *int {
	if n <= 0 {
		return nil
	}
	return &n
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	sb := &s.config.Sandbox
	mode := sb.NetworkMode
	if mode == "" {
		mode = "bridge"
	}
	allow := sb.AllowedImages()
	if allow == nil {
		allow = []string{}
	}
	writeJSON(w, http.StatusOK, ConfigResponse{
		Allowlist: allow,
		Network:   networkInfo{AllowedModes: []string{mode}, DefaultMode: mode},
		Limits: limitsInfo{
			MaxConcurrentSessions: optionalLimit(s.config.Session.MaxConcurrent),
			MaxSessionsPerUser:    optionalLimit(s.config.Session.MaxPerUser),
			IdleMinutes:           int(s.config.Session.GetIdleMax().Minutes()),
		},
		FSMode:              "simple-json",
		SessionGraceSeconds: int(s.config.Session.GetGracePeriod().Seconds()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	reg := s.ctrl.Registry()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Sessions: reg.Count(),
		Users:    len(reg.Users()),
		Runtime:  s.config.Runtime.Type,
	})
}

type cookieRequest struct {
	SessionID string `json:"sessionId" validate:"required,min=5,max=100"`
	Username  string `json:"username" validate:"required,max=64"`
}

// handleSessionCookie stores the resume credentials in cookies that live
// as long as the disconnect grace period.
func (s *Server) handleSessionCookie(w http.ResponseWriter, r *http.Request) {
	var req cookieRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCookieBody))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing sessionId or username"})
		return
	}
	if err := security.Validate(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing sessionId or username"})
		return
	}

	maxAge := int(s.config.Session.GetGracePeriod().Seconds())
	for name, value := range map[string]string{
		"sessionId": req.SessionID,
		"username":  security.SanitizeUsername(req.Username),
	} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    value,
			Path:     "/",
			MaxAge:   maxAge,
			SameSite: http.SameSiteLaxMode,
			Secure:   s.config.Server.CookieSecure,
		})
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
