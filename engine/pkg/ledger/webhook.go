package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/seedcommons/harvest/engine/pkg/domain"
	"github.com/seedcommons/harvest/utils/pkg/retry"
)

// WebhookLedger delivers reward payouts to the external token custody
// service over HTTP. Each payout carries an idempotency key so retried
// deliveries cannot double-pay.
type WebhookLedger struct {
	log    *slog.Logger
	url    string
	client *http.Client
	retry  retry.Config
}

func NewWebhookLedger(log *slog.Logger, url string) *WebhookLedger {
	return &WebhookLedger{
		log:    log,
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
		retry:  retry.DefaultConfig(),
	}
}

type payoutRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	To             string `json:"to"`
	Amount         string `json:"amount"`
	Memo           string `json:"memo"`
}

type payoutError struct {
	status int
}

func (e *payoutError) Error() string {
	return fmt.Sprintf("token ledger responded %d", e.status)
}

func (e *payoutError) StatusCode() int { return e.status }

func (w *WebhookLedger) Transfer(ctx context.Context, to domain.Account, amount domain.Amount, memo string) error {
	body, err := json.Marshal(payoutRequest{
		IdempotencyKey: uuid.NewString(),
		To:             string(to),
		Amount:         amount.String(),
		Memo:           memo,
	})
	if err != nil {
		return fmt.Errorf("failed to encode payout: %w", err)
	}
	return retry.Do(ctx, w.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &payoutError{status: resp.StatusCode}
		}
		return nil
	})
}

// LogLedger records payouts without delivering them. It stands in for the
// custody service in development deployments.
type LogLedger struct {
	Log *slog.Logger
}

func (l LogLedger) Transfer(_ context.Context, to domain.Account, amount domain.Amount, memo string) error {
	l.Log.Info("token ledger payout (dry run)", "to", to, "amount", amount.String(), "memo", memo)
	return nil
}
