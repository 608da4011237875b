package httpx

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/helGmoro/tardiaplataforma-code/internal/service/auth"
)

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r *Router) handleRegister(w http.ResponseWriter, req *http.Request) {
	var payload credentials
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	session, err := r.auth.Register(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse(session))
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	var payload credentials
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	session, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(session))
}

func sessionResponse(s auth.Session) map[string]any {
	return map[string]any{
		"user": map[string]any{
			"id":         s.User.ID,
			"email":      s.User.Email,
			"created_at": s.User.CreatedAt.UTC().Format(time.RFC3339),
		},
		"token":      s.AccessToken,
		"expires_in": int64(s.ExpiresIn.Seconds()),
	}
}
