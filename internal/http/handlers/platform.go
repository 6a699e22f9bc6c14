package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fieldmesh/coremachine/internal/http/response"
	"github.com/fieldmesh/coremachine/internal/platformlayer"
)

// PlatformHandler serves POST /platform/submit (spec §4.6, §6).
type PlatformHandler struct {
	layer *platformlayer.Layer
}

func NewPlatformHandler(layer *platformlayer.Layer) *PlatformHandler {
	return &PlatformHandler{layer: layer}
}

func (h *PlatformHandler) Submit(c *gin.Context) {
	var req platformlayer.ExternalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}

	dryRun := c.Query("dry_run") == "true" || c.Query("dry_run") == "1"

	result, err := h.layer.Submit(c.Request.Context(), req, dryRun)
	if err != nil {
		respondAPIErr(c, err)
		return
	}

	status := http.StatusOK
	if result.AlreadyExists {
		status = http.StatusConflict
	}
	c.JSON(status, result)
}
