package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/prepdesk/qr-auth-server-go/internal/errors"
	"github.com/prepdesk/qr-auth-server-go/internal/model"
	"github.com/prepdesk/qr-auth-server-go/internal/notify"
	"github.com/prepdesk/qr-auth-server-go/internal/service"
)

// EventsHandler streams pairing events to the waiting web client over SSE,
// as an alternative to polling the status endpoint.
type EventsHandler struct {
	broker         *notify.Broker
	pairingService *service.PairingService
}

func NewEventsHandler(broker *notify.Broker, pairingService *service.PairingService) *EventsHandler {
	return &EventsHandler{
		broker:         broker,
		pairingService: pairingService,
	}
}

// GET /api/qr/events/{sessionID}
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	status, err := h.pairingService.GetStatus(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub := h.broker.Subscribe(sessionID)
	defer h.broker.Unsubscribe(sub)

	log.Info().Str("sessionId", sessionID).Msg("sse connection established")

	if err := h.sendEvent(w, flusher, "status", status); err != nil {
		return
	}

	// Session may have been authenticated before the subscription existed.
	if status.Authenticated {
		return
	}

	ctx := r.Context()
	heartbeat := time.NewTicker(notify.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("sessionId", sessionID).Msg("sse connection closed by client")
			return

		case <-sub.Done:
			log.Info().Str("sessionId", sessionID).Msg("sse connection closed by broker")
			return

		case event := <-sub.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}
			if event.Type == "authenticated" {
				return
			}

		case <-heartbeat.C:
			current, err := h.pairingService.GetStatus(ctx, sessionID)
			if err != nil || current.Status != model.PairingStatusPending {
				// Expired or resolved out of band; let the client re-check.
				h.sendEvent(w, flusher, "expired", map[string]string{"sessionId": sessionID})
				return
			}

			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Str("sessionId", sessionID).Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, notify.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event notify.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
