package http

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/krobus00/market-bridge/internal/service/command"
)

const maxCommandBodyBytes = 64 << 10

type TradeStatusResponse struct {
	CommandID string              `json:"command_id"`
	Status    string              `json:"status"`
	Message   string              `json:"message"`
	State     entity.JournalState `json:"state"`
}

// ExecuteTrade submits a command and answers with its TradeResponse once
// the command channel has processed it.
func (h *Handler) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unable to read request body")
		return
	}

	cmd, err := entity.DecodeTradeCommand(body)
	if err != nil {
		// Never reaches the channel, so it is counted here.
		if h.deps.Health != nil {
			h.deps.Health.RecordRequest()
			h.deps.Health.RecordError()
		}
		writeJSON(w, http.StatusBadRequest, entity.NewRejectedResponse(cmd.CommandID, command.MessageInvalidFormat, time.Now()))
		return
	}
	cmd.Source = entity.CommandSourceHTTP

	resp, err := h.deps.Commands.Submit(r.Context(), cmd)
	if err != nil {
		// The caller went away; the command still gets answered in the journal.
		h.log.WithField("command_id", cmd.CommandID).Warnf("trade submit abandoned: %v", err)
		writeError(w, http.StatusRequestTimeout, "request cancelled")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) TradeStatus(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "command_id")

	entry, err := h.deps.Commands.Status(r.Context(), commandID)
	if err != nil {
		if errors.Is(err, entity.ErrCommandNotFound) {
			writeError(w, http.StatusNotFound, "command not found")
			return
		}
		h.log.WithField("command_id", commandID).Errorf("command status lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if entry.Answered() {
		writeJSON(w, http.StatusOK, entry.Response)
		return
	}

	writeJSON(w, http.StatusAccepted, TradeStatusResponse{
		CommandID: entry.CommandID,
		Status:    "PENDING",
		Message:   "awaiting execution",
		State:     entry.State,
	})
}
