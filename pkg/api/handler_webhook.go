package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openrecords/docket/pkg/dispatch"
)

// InboundWebhookRequest is the provider-shaped delivery payload. Header
// fields arrive pre-extracted by the provider.
type InboundWebhookRequest struct {
	ProviderMessageID string     `json:"providerMessageId" binding:"required"`
	RFCMessageID      string     `json:"messageId"`
	InReplyTo         string     `json:"inReplyTo"`
	References        string     `json:"references"`
	From              string     `json:"from" binding:"required"`
	To                string     `json:"to"`
	Subject           string     `json:"subject"`
	Body              string     `json:"body"`
	ReceivedAt        *time.Time `json:"receivedAt"`
}

// inboundWebhookHandler stores one inbound email and queues a run over it.
// Redelivery of a provider message id is absorbed with a 200 so the
// provider stops retrying; the same goes for mail we cannot match to any
// case.
func (s *Server) inboundWebhookHandler(c *gin.Context) {
	var req InboundWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	receivedAt := time.Now().UTC()
	if req.ReceivedAt != nil {
		receivedAt = *req.ReceivedAt
	}

	result, err := s.inbound.HandleInbound(c.Request.Context(), dispatch.InboundEmail{
		ProviderMessageID: req.ProviderMessageID,
		RFCMessageID:      req.RFCMessageID,
		InReplyTo:         req.InReplyTo,
		References:        req.References,
		From:              req.From,
		To:                req.To,
		Subject:           req.Subject,
		Body:              req.Body,
		ReceivedAt:        &receivedAt,
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrNoMatchingCase) {
			c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": "no matching case"})
			return
		}
		mapServiceError(c, err)
		return
	}

	if result.Duplicate {
		c.JSON(http.StatusOK, gin.H{"status": "duplicate", "messageId": result.MessageID})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "accepted",
		"caseId":    result.CaseID,
		"messageId": result.MessageID,
		"dispatch":  result.Dispatch,
	})
}
