package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/channels"
	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/sessions"
)

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	_ = json.NewEncoder(w).Encode(resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth implements GET /health
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	g.writeJSON(w, 200, map[string]any{
		"status":   "ok",
		"uptime":   uptime,
		"sessions": g.registry.Len(),
	})
}

// connectRequest is the body of POST /sessions/connect.
type connectRequest struct {
	OwnerID     string `json:"owner_id"`
	AssistantID string `json:"assistant_id"`
	Channel     string `json:"channel"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
}

// handleConnect implements POST /sessions/connect.
func (g *Gateway) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", 405)
		return
	}
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, "invalid JSON body", 400)
		return
	}
	if req.OwnerID == "" || req.AssistantID == "" {
		g.writeError(w, "owner_id and assistant_id are required", 400)
		return
	}

	outcome, err := g.registry.Open(r.Context(), sessions.OpenRequest{
		OwnerID:     req.OwnerID,
		AssistantID: req.AssistantID,
		Kind:        channels.Kind(req.Channel),
		Username:    req.Username,
		Password:    req.Password,
	})
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrUnknownChannel):
			g.writeError(w, err.Error(), 400)
		case errors.Is(err, sessions.ErrPairingTimeout):
			g.writeError(w, err.Error(), 504)
		default:
			g.writeError(w, err.Error(), 502)
		}
		return
	}
	g.writeJSON(w, 200, outcome)
}

// handleStatus implements GET /sessions/status?owner_id=&assistant_id=
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	ownerID := r.URL.Query().Get("owner_id")
	assistantID := r.URL.Query().Get("assistant_id")
	if ownerID == "" || assistantID == "" {
		g.writeError(w, "owner_id and assistant_id are required", 400)
		return
	}
	g.writeJSON(w, 200, g.registry.Status(ownerID, assistantID))
}

// disconnectRequest is the body of POST /sessions/disconnect.
type disconnectRequest struct {
	OwnerID     string `json:"owner_id"`
	AssistantID string `json:"assistant_id"`
}

// handleDisconnect implements POST /sessions/disconnect.
func (g *Gateway) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", 405)
		return
	}
	var req disconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, "invalid JSON body", 400)
		return
	}
	if req.OwnerID == "" || req.AssistantID == "" {
		g.writeError(w, "owner_id and assistant_id are required", 400)
		return
	}
	existed := g.registry.Close(req.OwnerID, req.AssistantID)
	g.writeJSON(w, 200, map[string]any{"disconnected": existed})
}

// handleListSessions implements GET /sessions?owner_id=
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		g.writeError(w, "owner_id is required", 400)
		return
	}
	list := g.registry.ListForOwner(ownerID)
	if list == nil {
		list = []sessions.Summary{}
	}
	g.writeJSON(w, 200, map[string]any{"sessions": list})
}

// pipelineContact is the wire shape of one pipeline row.
type pipelineContact struct {
	ClientContact string    `json:"client_contact"`
	ClientName    string    `json:"client_name"`
	StageID       string    `json:"stage_id"`
	StageName     string    `json:"stage_name"`
	LastMessage   string    `json:"last_message"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// handlePipeline implements GET /pipeline?assistant_id=
func (g *Gateway) handlePipeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	assistantID := r.URL.Query().Get("assistant_id")
	if assistantID == "" {
		g.writeError(w, "assistant_id is required", 400)
		return
	}
	rows, err := g.store.ListPipelineContacts(r.Context(), assistantID)
	if err != nil {
		g.logger.Error("listing pipeline contacts", "assistant", assistantID, "error", err)
		g.writeError(w, "listing pipeline contacts failed", 500)
		return
	}
	contacts := make([]pipelineContact, 0, len(rows))
	for _, row := range rows {
		contacts = append(contacts, pipelineContact{
			ClientContact: row.ClientContact,
			ClientName:    row.ClientName,
			StageID:       row.StageID,
			StageName:     row.StageName,
			LastMessage:   row.LastMessage,
			UpdatedAt:     row.UpdatedAt,
		})
	}
	g.writeJSON(w, 200, map[string]any{"contacts": contacts})
}
