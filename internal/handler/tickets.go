package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/supportdesk/internal/autoreply"
	"github.com/capitalize-ai/supportdesk/internal/desk"
	"github.com/capitalize-ai/supportdesk/internal/middleware"
	"github.com/capitalize-ai/supportdesk/internal/model"
	"github.com/capitalize-ai/supportdesk/pkg/logger"
)

// Orchestrator is the part of the auto-reply engine exposed over HTTP.
type Orchestrator interface {
	Evaluate(ctx context.Context, msg model.InboundMessage) (autoreply.Status, error)
	Deescalate(ctx context.Context, ticketID, actor string) error
}

// TicketHandler handles ticket automation endpoints.
type TicketHandler struct {
	engine  Orchestrator
	tickets desk.TicketStore
	logger  *logger.Logger
}

// NewTicketHandler creates a new ticket handler.
func NewTicketHandler(engine Orchestrator, tickets desk.TicketStore, log *logger.Logger) *TicketHandler {
	return &TicketHandler{
		engine:  engine,
		tickets: tickets,
		logger:  log.Named("http"),
	}
}

// InboundRequest is the body of an inbound customer message.
type InboundRequest struct {
	CustomerID string        `json:"customer_id"`
	Channel    model.Channel `json:"channel"`
	Content    string        `json:"content"`
}

// InboundResponse reports what the engine did with an inbound message.
type InboundResponse struct {
	TicketID string           `json:"ticket_id"`
	Status   autoreply.Status `json:"status"`
}

// TicketID extracts the ticket path parameter.
func TicketID(r *http.Request) string {
	return chi.URLParam(r, "id")
}

// Inbound handles POST /api/v1/tickets/{id}/inbound
func (h *TicketHandler) Inbound(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req InboundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg := model.InboundMessage{
		TicketID:       TicketID(r),
		OrganizationID: middleware.GetOrganizationID(ctx),
		CustomerID:     req.CustomerID,
		Channel:        req.Channel,
		Content:        req.Content,
	}
	if err := middleware.ValidateInbound(&msg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.ownsTicket(w, r, msg.TicketID) {
		return
	}

	status, err := h.engine.Evaluate(ctx, msg)
	if err != nil {
		h.requestLogger(r).Error("failed to evaluate inbound message",
			zap.String("ticket_id", msg.TicketID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to evaluate message")
		return
	}

	writeJSON(w, http.StatusAccepted, InboundResponse{TicketID: msg.TicketID, Status: status})
}

// Deescalate handles POST /api/v1/tickets/{id}/deescalate
func (h *TicketHandler) Deescalate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ticketID := TicketID(r)

	if err := middleware.ValidateID("ticket_id", ticketID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.ownsTicket(w, r, ticketID) {
		return
	}

	actor := middleware.GetUserID(ctx)
	if err := h.engine.Deescalate(ctx, ticketID, actor); err != nil {
		if errors.Is(err, desk.ErrNotFound) {
			writeError(w, http.StatusNotFound, "ticket not found")
			return
		}
		h.requestLogger(r).Error("failed to de-escalate ticket", zap.String("ticket_id", ticketID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to de-escalate ticket")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ownsTicket writes a 404 unless the ticket belongs to the caller's
// organization. Foreign tickets are reported as missing.
func (h *TicketHandler) ownsTicket(w http.ResponseWriter, r *http.Request, ticketID string) bool {
	ticket, err := h.tickets.Get(r.Context(), ticketID)
	switch {
	case errors.Is(err, desk.ErrNotFound):
		writeError(w, http.StatusNotFound, "ticket not found")
		return false
	case err != nil:
		h.requestLogger(r).Error("failed to load ticket", zap.String("ticket_id", ticketID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load ticket")
		return false
	case ticket.OrganizationID != middleware.GetOrganizationID(r.Context()):
		writeError(w, http.StatusNotFound, "ticket not found")
		return false
	}
	return true
}

func (h *TicketHandler) requestLogger(r *http.Request) *logger.Logger {
	ctx := r.Context()
	return h.logger.WithRequest(
		middleware.GetCorrelationID(ctx),
		middleware.GetOrganizationID(ctx),
		middleware.GetUserID(ctx),
	)
}
