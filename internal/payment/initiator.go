package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/septivank/prepaid-vending-worker/internal/apperr"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const pathCharge = "/api/charges/push"

// Handle identifies an initiated charge.
type Handle struct {
	Reference string
}

type chargeRequest struct {
	PhoneNumber string            `json:"phoneNumber"`
	Amount      json.Number       `json:"amount"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type chargeResponse struct {
	Success   bool   `json:"success"`
	Reference string `json:"reference"`
	Message   string `json:"message"`
}

// Config configures the mobile-money provider client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Initiator pushes charge requests to the payer's handset and waits for
// their settlement through the Hub.
type Initiator struct {
	baseURL string
	apiKey  string
	http    *http.Client
	hub     *Hub
	logger  *zap.Logger
}

// NewInitiator creates the provider client.
func NewInitiator(cfg Config, hub *Hub, logger *zap.Logger) *Initiator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Initiator{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		hub:     hub,
		logger:  logger,
	}
}

// InitiateCharge asks the provider to charge phone for amount. It is not
// retried: a repeated push would prompt the payer twice.
func (i *Initiator) InitiateCharge(ctx context.Context, phone string, amount decimal.Decimal, metadata map[string]string) (Handle, error) {
	const op = "payment.initiate_charge"

	payload, err := json.Marshal(chargeRequest{
		PhoneNumber: phone,
		Amount:      json.Number(amount.StringFixed(2)),
		Metadata:    metadata,
	})
	if err != nil {
		return Handle{}, apperr.Wrap(apperr.KindInternal, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.baseURL+pathCharge, bytes.NewReader(payload))
	if err != nil {
		return Handle{}, apperr.Wrap(apperr.KindInternal, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if i.apiKey != "" {
		req.Header.Set("X-API-Key", i.apiKey)
	}

	resp, err := i.http.Do(req)
	if err != nil {
		return Handle{}, apperr.Wrap(apperr.KindUpstreamUnavailable, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Handle{}, apperr.Wrap(apperr.KindUpstreamUnavailable, op, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return Handle{}, apperr.New(apperr.KindUpstreamUnavailable, op, fmt.Sprintf("provider returned HTTP %d", resp.StatusCode))
	}

	var body chargeResponse
	if err := json.Unmarshal(data, &body); err != nil {
		return Handle{}, apperr.Wrap(apperr.KindUpstreamError, op, err)
	}
	if !body.Success || resp.StatusCode >= http.StatusBadRequest {
		reason := body.Message
		if reason == "" {
			reason = fmt.Sprintf("provider declined the charge (HTTP %d)", resp.StatusCode)
		}
		return Handle{}, apperr.New(apperr.KindChargeRejected, op, reason)
	}
	if body.Reference == "" {
		return Handle{}, apperr.New(apperr.KindUpstreamError, op, "provider accepted the charge without a reference")
	}

	i.logger.Info("charge initiated",
		zap.String("payment_reference", body.Reference),
		zap.String("amount", amount.StringFixed(2)),
	)

	return Handle{Reference: body.Reference}, nil
}

// AwaitConfirmation blocks until the charge settles, timeout elapses or ctx
// is cancelled.
func (i *Initiator) AwaitConfirmation(ctx context.Context, reference string, timeout time.Duration) (Confirmation, error) {
	return i.hub.Await(ctx, reference, timeout)
}

// Release returns a settlement that arrived after AwaitConfirmation gave up.
func (i *Initiator) Release(reference string) (Settlement, bool) {
	return i.hub.Take(reference)
}
