package api

import (
	"net/http"

	"escrow-service/internal/service"

	"github.com/gin-gonic/gin"
)

type evidenceRequest struct {
	SubmittedBy string `json:"submitted_by" binding:"required"`
	service.EvidenceInput
}

type adminActionRequest struct {
	AdminID string `json:"admin_id" binding:"required"`
	Note    string `json:"note"`
}

func (h *Handler) raiseDispute(c *gin.Context) {
	var req service.RaiseDisputeRequest
	if !bindJSON(c, &req) {
		return
	}

	dispute, err := h.disputes.Raise(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dispute)
}

func (h *Handler) getDispute(c *gin.Context) {
	dispute, err := h.disputes.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dispute)
}

func (h *Handler) getDisputeByRequest(c *gin.Context) {
	dispute, err := h.disputes.GetByRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dispute)
}

func (h *Handler) addEvidence(c *gin.Context) {
	var req evidenceRequest
	if !bindJSON(c, &req) {
		return
	}

	dispute, err := h.disputes.AddEvidence(c.Request.Context(), c.Param("id"), req.SubmittedBy, req.EvidenceInput)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dispute)
}

func (h *Handler) startReview(c *gin.Context) {
	var req adminActionRequest
	if !bindJSON(c, &req) {
		return
	}

	dispute, err := h.disputes.StartReview(c.Request.Context(), c.Param("id"), req.AdminID, req.Note)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dispute)
}

func (h *Handler) escalateDispute(c *gin.Context) {
	var req adminActionRequest
	if !bindJSON(c, &req) {
		return
	}

	dispute, err := h.disputes.Escalate(c.Request.Context(), c.Param("id"), req.AdminID, req.Note)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dispute)
}

func (h *Handler) addAdminNote(c *gin.Context) {
	var req adminActionRequest
	if !bindJSON(c, &req) {
		return
	}

	dispute, err := h.disputes.AddAdminNote(c.Request.Context(), c.Param("id"), req.AdminID, req.Note)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dispute)
}

// resolveDispute settles the escrow and closes the dispute
func (h *Handler) resolveDispute(c *gin.Context) {
	var req service.ResolveDisputeRequest
	if !bindJSON(c, &req) {
		return
	}
	req.DisputeID = c.Param("id")

	resp, err := h.disputes.Resolve(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
