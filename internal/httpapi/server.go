// Package httpapi exposes the billing engine over HTTP.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/refly-ai/credit-engine/internal/billing"
	"github.com/refly-ai/credit-engine/internal/usage"
)

// BillingHandler handles charge and preview endpoints.
type BillingHandler struct {
	processor *usage.Processor
}

// NewBillingHandler constructs a BillingHandler.
func NewBillingHandler(processor *usage.Processor) *BillingHandler {
	return &BillingHandler{processor: processor}
}

// chargeRequest is the wire form of a completed tool call.
type chargeRequest struct {
	UID        string `json:"uid" binding:"required"`
	ToolsetKey string `json:"toolset_key" binding:"required"`
	ToolName   string `json:"tool_name" binding:"required"`
	CallID     string `json:"call_id"`
	ResultID   int    `json:"result_id"`
	Version    int    `json:"version"`

	Input  map[string]any `json:"input"`
	Output map[string]any `json:"output"`

	RequestSchema  json.RawMessage `json:"request_schema"`
	ResponseSchema json.RawMessage `json:"response_schema"`

	// Config carries an inline rule set, bypassing the cached per-tool config.
	Config json.RawMessage `json:"config"`
}

func (r *chargeRequest) toCall() (usage.ToolCall, error) {
	call := usage.ToolCall{
		UID:            r.UID,
		ToolsetKey:     r.ToolsetKey,
		ToolName:       r.ToolName,
		CallID:         r.CallID,
		ResultID:       r.ResultID,
		Version:        r.Version,
		Input:          r.Input,
		Output:         r.Output,
		RequestSchema:  r.RequestSchema,
		ResponseSchema: r.ResponseSchema,
	}
	if len(r.Config) > 0 {
		cfg, errParse := billing.ParseConfig(r.Config)
		if errParse != nil {
			return usage.ToolCall{}, errParse
		}
		call.Config = cfg
	}
	return call, nil
}

// Charge bills one completed tool call.
func (h *BillingHandler) Charge(c *gin.Context) {
	var req chargeRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}
	call, errCall := req.toCall()
	if errCall != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errCall.Error()})
		return
	}

	res := h.processor.Process(c.Request.Context(), call)
	c.JSON(http.StatusOK, gin.H{
		"success":                 res.Success,
		"credits":                 res.Credits,
		"micro_credits":           res.MicroCredits,
		"flush_credits":           res.FlushCredits,
		"remainder_micro_credits": res.RemainderMicroCredits,
		"replayed":                res.Replayed,
	})
}

// Preview evaluates a charge without applying it.
func (h *BillingHandler) Preview(c *gin.Context) {
	var req chargeRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBind.Error()})
		return
	}
	call, errCall := req.toCall()
	if errCall != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errCall.Error()})
		return
	}

	credits, errPreview := h.processor.Preview(c.Request.Context(), call)
	if errPreview != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": errPreview.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"credits": credits})
}

// RegisterRoutes mounts the billing API on a gin engine.
func RegisterRoutes(engine *gin.Engine, handler *BillingHandler) {
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	v0 := engine.Group("/v0/billing")
	v0.POST("/charge", handler.Charge)
	v0.POST("/preview", handler.Preview)
}
