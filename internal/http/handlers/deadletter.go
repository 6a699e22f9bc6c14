package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fieldmesh/coremachine/internal/data/repos/queue"
	"github.com/fieldmesh/coremachine/internal/http/response"
)

// DeadLetterHandler serves the supplemented read-only dead-letter inspection
// endpoint (SPEC_FULL.md §12): spec §9's open question leaves automatic
// re-queue out of scope, but dead-lettered messages still need to be
// inspectable for post-mortem.
type DeadLetterHandler struct {
	dlq queue.Queue
}

func NewDeadLetterHandler(dlq queue.Queue) *DeadLetterHandler {
	return &DeadLetterHandler{dlq: dlq}
}

// GET /tasks/dead-letter
func (h *DeadLetterHandler) ListDeadLetters(c *gin.Context) {
	inspectable, ok := h.dlq.(queue.Inspectable)
	if !ok {
		response.RespondError(c, http.StatusNotImplemented, "inspection_unsupported", nil)
		return
	}

	limit := queryInt(c, "limit", 50)
	entries, err := inspectable.Peek(c.Request.Context(), limit)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "peek_dead_letter_failed", err)
		return
	}

	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{
			"message_id": e.MessageID,
			"envelope":   json.RawMessage(e.Payload),
		})
	}
	response.RespondOK(c, gin.H{"entries": out})
}
