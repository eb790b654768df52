package rewards

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Coali-Network/trust_engine/internal/faults"
)

// WalletClient credits token balances on the wallet system of record. Credits
// are keyed so the wallet can drop retries of an already-applied credit.
type WalletClient interface {
	CreditTokens(ctx context.Context, userID string, amount int64, reason, idempotencyKey string) error
}

type creditRequest struct {
	UserID         string `json:"user_id"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

// HTTPWalletClient talks to the wallet service's credit endpoint.
type HTTPWalletClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPWalletClient creates a wallet client for the given base URL.
func NewHTTPWalletClient(baseURL string, timeout time.Duration) *HTTPWalletClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPWalletClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// CreditTokens posts one credit. A conflict response means the idempotency
// key was already applied, which counts as success.
func (c *HTTPWalletClient) CreditTokens(ctx context.Context, userID string, amount int64, reason, idempotencyKey string) error {
	body, err := json.Marshal(creditRequest{
		UserID:         userID,
		Amount:         amount,
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/credits", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return faults.Transient("wallet credit request", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// credit already applied under this idempotency key
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return faults.Transient("wallet credit", fmt.Errorf("status %d", resp.StatusCode))
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("wallet credit rejected with status %d: %s", resp.StatusCode, string(msg))
	}
}
