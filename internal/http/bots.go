package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/helGmoro/tardiaplataforma-code/internal/domain"
	"github.com/helGmoro/tardiaplataforma-code/internal/service/bot"
)

type botResponse struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Token           string    `json:"token"`
	Services        []string  `json:"services"`
	Status          string    `json:"status"`
	PublicURL       string    `json:"public_url,omitempty"`
	InternalAddress string    `json:"internal_address,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func newBotResponse(b domain.Bot) botResponse {
	services := b.Capabilities
	if services == nil {
		services = []string{}
	}
	return botResponse{
		ID:              b.ID,
		Name:            b.Name,
		Token:           maskToken(b.Token),
		Services:        services,
		Status:          string(b.Status),
		PublicURL:       b.PublicURL,
		InternalAddress: b.InternalAddress,
		ErrorMessage:    b.ErrorMessage,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
	}
}

// maskToken keeps the first six characters of a chat token.
func maskToken(token string) string {
	const visible = 6
	if token == "" {
		return ""
	}
	runes := []rune(token)
	if len(runes) <= visible {
		return string(runes) + "…"
	}
	return string(runes[:visible]) + "…"
}

func (r *Router) handleListBots(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	bots, err := r.bots.List(req.Context(), info.UserID)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	out := make([]botResponse, 0, len(bots))
	for _, b := range bots {
		out = append(out, newBotResponse(b))
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleCreateBot(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	var payload struct {
		Name     string   `json:"name"`
		Token    string   `json:"token"`
		Services []string `json:"services"`
		// servicios is accepted for clients of the original dashboard.
		Servicios []string `json:"servicios"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	services := payload.Services
	if len(services) == 0 {
		services = payload.Servicios
	}
	created, err := r.bots.Create(req.Context(), bot.CreateInput{
		OwnerID:      info.UserID,
		Name:         payload.Name,
		Token:        payload.Token,
		Capabilities: services,
	})
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	w.Header().Set("Location", "/api/bots/"+strconv.FormatInt(created.ID, 10))
	writeJSON(w, http.StatusCreated, newBotResponse(*created))
}

func (r *Router) handleGetBot(w http.ResponseWriter, req *http.Request) {
	info, id, ok := r.botTarget(w, req)
	if !ok {
		return
	}
	b, err := r.bots.Get(req.Context(), info.UserID, id)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newBotResponse(*b))
}

func (r *Router) handleDeleteBot(w http.ResponseWriter, req *http.Request) {
	info, id, ok := r.botTarget(w, req)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), r.deleteTimeout)
	defer cancel()
	if err := r.bots.Delete(ctx, info.UserID, id); err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "bot deleted"})
}

func (r *Router) botTarget(w http.ResponseWriter, req *http.Request) (authInfo, int64, bool) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return authInfo{}, 0, false
	}
	id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid bot id")
		return authInfo{}, 0, false
	}
	return info, id, true
}
