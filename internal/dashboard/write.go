package dashboard

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/aminovpavel/meshbridge-go/internal/decode"
	"github.com/aminovpavel/meshbridge-go/internal/storage"
)

type sendRequest struct {
	Message     string `json:"message"`
	Destination string `json:"destination"`
	Channel     int    `json:"channel"`
}

// send queues a message for the radio. Nothing is transmitted here; the
// outbox dispatcher picks it up.
func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		writeError(w, http.StatusBadRequest, "Empty message")
		return
	}
	if len(msg) > s.cfg.MaxSendBytes {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Message too long (max %d bytes)", s.cfg.MaxSendBytes))
		return
	}

	dest := strings.TrimSpace(req.Destination)
	if dest == "" {
		dest = decode.BroadcastAlias
	}
	dest = decode.NormalizeNodeID(dest)
	if dest == "" {
		writeError(w, http.StatusBadRequest, "invalid destination")
		return
	}
	kind := storage.KindText
	if !decode.IsBroadcast(dest) {
		kind = storage.KindDM
	}

	id, err := s.store.AddToOutbox(r.Context(), msg, dest, req.Channel, kind)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"message_id": id,
		"status":     storage.StatusPending,
		"type":       kind,
	})
}

type tracerouteRequest struct {
	NodeID string `json:"node_id"`
}

func (s *Server) requestTraceroute(w http.ResponseWriter, r *http.Request) {
	var req tracerouteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id := decode.NormalizeNodeID(strings.TrimSpace(req.NodeID))
	if id == "" || decode.IsBroadcast(id) {
		writeError(w, http.StatusBadRequest, "node_id required")
		return
	}
	reqID, err := s.store.AddTracerouteRequest(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"request_id": reqID,
	})
}
