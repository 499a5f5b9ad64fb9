package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/metergate/metergate/internal/aggregator"
	"github.com/metergate/metergate/internal/budget"
	"github.com/metergate/metergate/internal/models"
	"github.com/metergate/metergate/internal/notify"
	"github.com/metergate/metergate/internal/proxy"
	log "github.com/sirupsen/logrus"
)

// Handler serves the metering API endpoints.
type Handler struct {
	agg    *aggregator.Aggregator
	ledger *budget.Ledger
	meter  *proxy.Meter
	hub    *notify.Hub
}

// NewHandler constructs a Handler.
func NewHandler(agg *aggregator.Aggregator, ledger *budget.Ledger, meter *proxy.Meter, hub *notify.Hub) *Handler {
	return &Handler{agg: agg, ledger: ledger, meter: meter, hub: hub}
}

// forwardRequest defines the request body for a metered upstream call.
type forwardRequest struct {
	Provider       string          `json:"provider"`
	Model          string          `json:"model"`
	RequestID      string          `json:"request_id"`
	RequestPayload json.RawMessage `json:"request_payload"`
}

// Forward relays one request to the named upstream and returns its response
// together with the usage receipt.
func (h *Handler) Forward(c *gin.Context) {
	var body forwardRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.Provider) == "" || strings.TrimSpace(body.Model) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing provider or model"})
		return
	}

	result, errForward := h.meter.Forward(c.Request.Context(), proxy.ForwardRequest{
		TenantID:  tenantFrom(c),
		UserID:    c.GetString(ContextUserID),
		Provider:  body.Provider,
		Model:     body.Model,
		RequestID: body.RequestID,
		Payload:   body.RequestPayload,
	})
	if errForward != nil {
		h.writeForwardError(c, errForward)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   result.StatusCode,
		"response": json.RawMessage(result.Body),
		"usage":    result.Receipt,
	})
}

// writeForwardError maps proxy errors onto HTTP statuses.
func (h *Handler) writeForwardError(c *gin.Context, errForward error) {
	switch {
	case errors.Is(errForward, budget.ErrBudgetExceeded):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":  "budget exceeded",
			"reason": errForward.Error(),
		})
	case errors.Is(errForward, proxy.ErrUpstreamTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "upstream timeout"})
	case errors.Is(errForward, proxy.ErrUpstreamFailure):
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream failure"})
	case errors.Is(errForward, proxy.ErrUnknownUpstream):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
	default:
		correlationID := uuid.NewString()
		log.WithError(errForward).Errorf("forward failed (correlation_id=%s)", correlationID)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":          "internal error",
			"correlation_id": correlationID,
		})
	}
}

// Usage answers aggregate queries for the authenticated tenant.
func (h *Handler) Usage(c *gin.Context) {
	query := aggregator.Query{
		TenantID:    tenantFrom(c),
		Provider:    c.Query("provider"),
		Model:       c.Query("model"),
		Granularity: c.DefaultQuery("granularity", models.BucketDay),
	}
	if query.Granularity != models.BucketDay && query.Granularity != models.BucketMonth {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid granularity"})
		return
	}

	var errParse error
	if query.From, errParse = parseTimeParam(c.Query("from")); errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from timestamp"})
		return
	}
	if query.To, errParse = parseTimeParam(c.Query("to")); errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to timestamp"})
		return
	}

	views, errQuery := h.agg.Aggregates(c.Request.Context(), query)
	if errQuery != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"aggregates": views})
}

// BudgetState reports the tenant's current budget position for one period.
func (h *Handler) BudgetState(c *gin.Context) {
	tenantID := strings.TrimSpace(c.Param("tenantId"))
	if tenantID != tenantFrom(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "tenant mismatch"})
		return
	}
	period := strings.TrimSpace(c.Param("period"))
	if period != models.PeriodDaily && period != models.PeriodMonthly {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid period"})
		return
	}

	view, errState := h.ledger.State(c.Request.Context(), tenantID, period, time.Now().UTC())
	if errState != nil {
		if errors.Is(errState, budget.ErrNoPolicy) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no budget policy"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "state lookup failed"})
		return
	}
	c.JSON(http.StatusOK, view)
}

// Unpriced lists events recorded without a cost, oldest first.
func (h *Handler) Unpriced(c *gin.Context) {
	limit := 100
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, errParse := strconv.Atoi(raw)
		if errParse != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	events, errList := h.agg.ListUnpriced(c.Request.Context(), limit)
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// EventsSSE streams the tenant's alert and usage events over SSE.
func (h *Handler) EventsSSE(c *gin.Context) {
	tenantID := strings.TrimSpace(c.Param("tenantId"))
	if tenantID != tenantFrom(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "tenant mismatch"})
		return
	}
	notify.ServeSSE(c, h.hub, tenantID)
}

// EventsWS streams the tenant's alert and usage events over a WebSocket.
func (h *Handler) EventsWS(c *gin.Context) {
	tenantID := strings.TrimSpace(c.Param("tenantId"))
	if tenantID != tenantFrom(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "tenant mismatch"})
		return
	}
	notify.ServeWS(c, h.hub, tenantID)
}

// Healthz reports liveness.
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func parseTimeParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
