package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/metergate/metergate/internal/aggregator"
	"github.com/metergate/metergate/internal/budget"
	"github.com/metergate/metergate/internal/config"
	"github.com/metergate/metergate/internal/cost"
	"github.com/metergate/metergate/internal/models"
	"github.com/metergate/metergate/internal/pricing"
	"github.com/metergate/metergate/internal/util"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrUnknownUpstream is returned when no upstream is configured for the
	// requested provider.
	ErrUnknownUpstream = errors.New("proxy: unknown upstream provider")
	// ErrUpstreamFailure is returned when the upstream call fails at the
	// transport level or with a server error. No usage is recorded.
	ErrUpstreamFailure = errors.New("proxy: upstream failure")
	// ErrUpstreamTimeout is returned when the upstream call exceeds the
	// configured timeout. No usage is recorded.
	ErrUpstreamTimeout = errors.New("proxy: upstream timeout")
)

// Call states, advanced in order as Forward progresses. Logged on failure so
// operators can tell how far a request got.
const (
	statePending        = "PENDING"
	stateUpstreamCalled = "UPSTREAM_CALLED"
	stateUsageExtracted = "USAGE_EXTRACTED"
	stateRecorded       = "RECORDED"
)

const maxResponseBytes = 32 << 20

// ForwardRequest is one metered upstream call.
type ForwardRequest struct {
	TenantID  string
	UserID    string
	Provider  string
	Model     string
	RequestID string // client-supplied idempotency key; generated when empty
	Payload   []byte
}

// ForwardResult carries the upstream response plus the usage receipt.
type ForwardResult struct {
	StatusCode int
	Body       []byte
	Receipt    aggregator.Receipt
}

// EventPublisher receives threshold alerts and usage notices for fanout to
// subscribers.
type EventPublisher interface {
	PublishAlert(intent budget.AlertIntent)
	BroadcastUsage(tenantID string, payload interface{})
}

// UsageNotice is the payload streamed to a tenant's subscribers after a call
// is recorded.
type UsageNotice struct {
	Provider string             `json:"provider"`
	Model    string             `json:"model"`
	Receipt  aggregator.Receipt `json:"receipt"`
}

// Meter forwards requests to upstream AI providers and records the token
// usage they report.
//
// Metering is response-driven: usage is taken from the upstream's own usage
// block, with a byte-count estimate as the fallback. Transport failures and
// timeouts record nothing, so a tenant is never billed for a call that did
// not produce a response.
type Meter struct {
	upstreams     map[string]config.UpstreamConfig
	client        *http.Client
	timeout       time.Duration
	estimateBytes int

	agg    *aggregator.Aggregator
	calc   *cost.Calculator
	ledger *budget.Ledger
	events EventPublisher
}

// NewMeter constructs a Meter from the proxy configuration.
func NewMeter(cfg config.ProxyConfig, agg *aggregator.Aggregator, calc *cost.Calculator, ledger *budget.Ledger, events EventPublisher) *Meter {
	upstreams := make(map[string]config.UpstreamConfig, len(cfg.Upstreams))
	for name, upstream := range cfg.Upstreams {
		name = strings.ToLower(strings.TrimSpace(name))
		upstreams[name] = upstream
		log.Debugf("proxy: upstream %s -> %s (family=%s key=%s)", name, upstream.BaseURL, normalizeFamily(upstream.Family), util.HideAPIKey(upstream.APIKey))
	}
	timeout := cfg.UpstreamTimeout.Std()
	if timeout <= 0 {
		timeout = config.DefaultUpstreamTimeout
	}
	estimateBytes := cfg.EstimateBytes
	if estimateBytes <= 0 {
		estimateBytes = config.DefaultEstimateBytes
	}
	return &Meter{
		upstreams:     upstreams,
		client:        &http.Client{},
		timeout:       timeout,
		estimateBytes: estimateBytes,
		agg:           agg,
		calc:          calc,
		ledger:        ledger,
		events:        events,
	}
}

// Forward relays one request upstream, extracts or estimates its token
// usage, records it, and evaluates the tenant's budgets.
//
// Recording runs on a context detached from the caller: once the upstream
// has answered, caller cancellation cannot lose the billing event. Budget
// evaluation failures are logged and never block the response.
func (m *Meter) Forward(ctx context.Context, req ForwardRequest) (*ForwardResult, error) {
	if m == nil || m.agg == nil {
		return nil, errors.New("proxy: nil meter")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	req.TenantID = strings.TrimSpace(req.TenantID)
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	req.Model = strings.TrimSpace(req.Model)
	if req.TenantID == "" || req.Provider == "" || req.Model == "" {
		return nil, errors.New("proxy: tenant, provider and model are required")
	}
	if strings.TrimSpace(req.RequestID) == "" {
		req.RequestID = uuid.NewString()
	}

	upstream, ok := m.upstreams[req.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUpstream, req.Provider)
	}

	requestedAt := time.Now().UTC()
	state := statePending

	if m.ledger != nil {
		if errStop := m.ledger.CheckHardStop(ctx, req.TenantID, requestedAt); errStop != nil {
			if errors.Is(errStop, budget.ErrBudgetExceeded) {
				return nil, errStop
			}
			// Ledger read failures fail open: availability over enforcement.
			log.WithError(errStop).Warnf("proxy: hard-stop check failed for tenant %s, allowing call", req.TenantID)
		}
	}

	status, body, errCall := m.callUpstream(ctx, upstream, req.Payload)
	if errCall != nil {
		log.WithError(errCall).Warnf("proxy: upstream %s failed (state=%s request_id=%s)", req.Provider, state, req.RequestID)
		return nil, errCall
	}
	state = stateUpstreamCalled

	if status >= 500 {
		log.Warnf("proxy: upstream %s returned %d (state=%s request_id=%s)", req.Provider, status, state, req.RequestID)
		return nil, fmt.Errorf("%w: upstream returned %d", ErrUpstreamFailure, status)
	}
	if status < 200 || status > 299 {
		// The provider rejected the call; it bills nothing and so do we.
		log.Warnf("proxy: upstream %s returned %d, not metering (request_id=%s)", req.Provider, status, req.RequestID)
		return &ForwardResult{StatusCode: status, Body: body}, nil
	}

	usage, extracted := extractUsage(upstream.Family, body)
	estimated := false
	if !extracted {
		usage = m.estimateUsage(req.Payload, body)
		estimated = true
		log.Warnf("proxy: no usage block from %s/%s, estimated %d/%d tokens (request_id=%s)", req.Provider, req.Model, usage.InputTokens, usage.OutputTokens, req.RequestID)
	}
	state = stateUsageExtracted

	event := &models.UsageEvent{
		TenantID:        req.TenantID,
		UserID:          strings.TrimSpace(req.UserID),
		Provider:        req.Provider,
		Model:           req.Model,
		InputTokens:     usage.InputTokens,
		OutputTokens:    usage.OutputTokens,
		Estimated:       estimated,
		RequestID:       req.RequestID,
		SourceOperation: "meter.forward",
		RequestedAt:     requestedAt,
	}
	m.priceEvent(event)

	recordCtx := context.WithoutCancel(ctx)
	receipt, errRecord := m.agg.Record(recordCtx, event)
	if errRecord != nil {
		log.WithError(errRecord).Errorf("proxy: record failed (state=%s request_id=%s)", state, req.RequestID)
		return nil, errRecord
	}
	state = stateRecorded

	if m.events != nil && !receipt.Duplicate {
		m.events.BroadcastUsage(req.TenantID, UsageNotice{Provider: req.Provider, Model: req.Model, Receipt: receipt})
	}
	m.evaluateBudgets(recordCtx, req.TenantID, requestedAt)

	log.Debugf("proxy: forwarded %s/%s (state=%s request_id=%s duplicate=%v)", req.Provider, req.Model, state, req.RequestID, receipt.Duplicate)
	return &ForwardResult{StatusCode: status, Body: body, Receipt: receipt}, nil
}

// callUpstream performs the bounded HTTP call. The configured timeout caps
// the caller's context; whichever is shorter wins.
func (m *Meter) callUpstream(ctx context.Context, upstream config.UpstreamConfig, payload []byte) (int, []byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	url := strings.TrimRight(upstream.BaseURL, "/") + upstream.Path
	httpReq, errBuild := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(payload))
	if errBuild != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrUpstreamFailure, errBuild)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	applyAuth(httpReq, upstream)

	resp, errDo := m.client.Do(httpReq)
	if errDo != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return 0, nil, fmt.Errorf("%w after %s", ErrUpstreamTimeout, m.timeout)
		}
		return 0, nil, fmt.Errorf("%w: %v", ErrUpstreamFailure, errDo)
	}
	defer func() { _ = resp.Body.Close() }()

	body, errRead := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if errRead != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return 0, nil, fmt.Errorf("%w after %s", ErrUpstreamTimeout, m.timeout)
		}
		return 0, nil, fmt.Errorf("%w: read response: %v", ErrUpstreamFailure, errRead)
	}
	return resp.StatusCode, body, nil
}

// applyAuth sets the provider family's credential header.
func applyAuth(req *http.Request, upstream config.UpstreamConfig) {
	if strings.TrimSpace(upstream.APIKey) == "" {
		return
	}
	switch normalizeFamily(upstream.Family) {
	case FamilyAnthropic:
		req.Header.Set("x-api-key", upstream.APIKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	case FamilyGemini:
		req.Header.Set("x-goog-api-key", upstream.APIKey)
	default:
		req.Header.Set("Authorization", "Bearer "+upstream.APIKey)
	}
}

// estimateUsage approximates token counts from byte lengths when the
// upstream response carries no usage block.
func (m *Meter) estimateUsage(payload, body []byte) usageCounts {
	divisor := int64(m.estimateBytes)
	if divisor <= 0 {
		divisor = config.DefaultEstimateBytes
	}
	in := int64(len(payload)) / divisor
	out := int64(len(body)) / divisor
	if in == 0 && len(payload) > 0 {
		in = 1
	}
	if out == 0 && len(body) > 0 {
		out = 1
	}
	return usageCounts{InputTokens: in, OutputTokens: out}
}

// priceEvent prices the event up front so the fallback rate applies to
// unknown models. Known models are left for the aggregator to price against
// the versioned table.
func (m *Meter) priceEvent(event *models.UsageEvent) {
	if m.calc == nil {
		return
	}
	breakdown, errPrice := m.calc.Price(event.Provider, event.Model, event.InputTokens, event.OutputTokens, event.RequestedAt)
	switch {
	case errPrice == nil:
		total := breakdown.TotalMicros
		entryID := breakdown.PricingEntryID
		event.CostMicros = &total
		event.PricingEntryID = &entryID
	case errors.Is(errPrice, pricing.ErrUnknownModel):
		fallback, errFallback := m.calc.PriceFallback(event.InputTokens, event.OutputTokens)
		if errFallback != nil {
			log.WithError(errFallback).Errorf("proxy: fallback pricing failed for %s/%s", event.Provider, event.Model)
			return
		}
		total := fallback.TotalMicros
		event.CostMicros = &total
		event.Estimated = true
		log.Warnf("proxy: unknown model %s/%s priced at fallback rate (%d micros, request_id=%s)", event.Provider, event.Model, total, event.RequestID)
	default:
		log.WithError(errPrice).Errorf("proxy: pricing failed for %s/%s", event.Provider, event.Model)
	}
}

// evaluateBudgets runs both period ladders and hands any crossings to the
// alert publisher. Failures are logged; the response is already safe.
func (m *Meter) evaluateBudgets(ctx context.Context, tenantID string, at time.Time) {
	if m.ledger == nil {
		return
	}
	for _, period := range []string{models.PeriodDaily, models.PeriodMonthly} {
		intents, errEval := m.ledger.Evaluate(ctx, tenantID, period, at)
		if errEval != nil {
			log.WithError(errEval).Warnf("proxy: budget evaluation failed for tenant %s period %s", tenantID, period)
			continue
		}
		if m.events == nil {
			continue
		}
		for _, intent := range intents {
			m.events.PublishAlert(intent)
		}
	}
}
