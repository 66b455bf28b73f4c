package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"cyberherd/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	walletPath   = "/api/v1/wallet"
	paymentsPath = "/api/v1/payments"
	targetsPath  = "/splitpayments/api/v1/targets"

	// at most this many wallet calls in flight at once
	maxConcurrentCalls = 5
)

type Config struct {
	BaseURL     string
	MainAPIKey  string
	SplitAPIKey string
}

// LNbitsService implements Service against an LNbits-compatible REST API.
// The X-Api-Key header selects which wallet a call operates on.
type LNbitsService struct {
	httpClient *http.Client
	baseURL    string
	mainKey    string
	splitKey   string
	sem        *semaphore.Weighted
}

// NewLNbitsService creates a wallet service client.
func NewLNbitsService(cfg Config) *LNbitsService {
	return &LNbitsService{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    cfg.BaseURL,
		mainKey:    cfg.MainAPIKey,
		splitKey:   cfg.SplitAPIKey,
		sem:        semaphore.NewWeighted(maxConcurrentCalls),
	}
}

type balanceResponse struct {
	Balance int64 `json:"balance"` // millisats
}

type invoiceRequest struct {
	Out    bool   `json:"out"`
	Amount int64  `json:"amount"`
	Unit   string `json:"unit"`
	Memo   string `json:"memo"`
}

type invoiceResponse struct {
	Bolt11         string `json:"bolt11"`
	PaymentRequest string `json:"payment_request"`
	PaymentHash    string `json:"payment_hash"`
}

type payRequest struct {
	Out    bool   `json:"out"`
	Unit   string `json:"unit"`
	Bolt11 string `json:"bolt11"`
}

type targetsDocument struct {
	Targets []Target `json:"targets"`
}

// Balance returns the main wallet balance in sats.
func (s *LNbitsService) Balance(ctx context.Context) (int64, error) {
	var resp balanceResponse
	err := s.call(ctx, http.MethodGet, walletPath, s.mainKey, nil, &resp)
	if err != nil {
		return 0, fmt.Errorf("failed to read wallet balance: %w", err)
	}
	return resp.Balance / 1000, nil
}

// CreateSplitInvoice creates an invoice on the split wallet.
func (s *LNbitsService) CreateSplitInvoice(ctx context.Context, amountSats int64, memo string) (string, error) {
	req := invoiceRequest{
		Out:    false,
		Amount: amountSats,
		Unit:   "sat",
		Memo:   memo,
	}

	var resp invoiceResponse
	err := s.call(ctx, http.MethodPost, paymentsPath, s.splitKey, req, &resp)
	if err != nil {
		return "", fmt.Errorf("failed to create split invoice for %d sats: %w", amountSats, err)
	}

	bolt11 := resp.Bolt11
	if bolt11 == "" {
		bolt11 = resp.PaymentRequest
	}
	if bolt11 == "" {
		return "", fmt.Errorf("wallet returned no bolt11 for %d sat invoice", amountSats)
	}

	logger.Info("Created split invoice", zap.Int64("sats", amountSats), zap.String("paymentHash", resp.PaymentHash))
	return bolt11, nil
}

// PayInvoice pays a bolt11 invoice from the main wallet.
func (s *LNbitsService) PayInvoice(ctx context.Context, bolt11 string) error {
	req := payRequest{
		Out:    true,
		Unit:   "sat",
		Bolt11: bolt11,
	}

	var resp invoiceResponse
	if err := s.call(ctx, http.MethodPost, paymentsPath, s.mainKey, req, &resp); err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentFailed, err)
	}

	logger.Info("Paid invoice", zap.String("paymentHash", resp.PaymentHash))
	return nil
}

// GetTargets reads the current split-payment target set.
func (s *LNbitsService) GetTargets(ctx context.Context) ([]Target, error) {
	var targets []Target
	err := s.call(ctx, http.MethodGet, targetsPath, s.splitKey, nil, &targets)
	if err != nil {
		return nil, fmt.Errorf("failed to read split targets: %w", err)
	}
	return targets, nil
}

// SetTargets replaces the split-payment target set.
func (s *LNbitsService) SetTargets(ctx context.Context, targets []Target) error {
	doc := targetsDocument{Targets: targets}
	if err := s.call(ctx, http.MethodPut, targetsPath, s.splitKey, doc, nil); err != nil {
		return fmt.Errorf("failed to set split targets: %w", err)
	}

	logger.Info("Updated split targets", zap.Int("targets", len(targets)))
	return nil
}

// call runs one wallet request under the concurrency bound, retrying
// transient failures with exponential backoff. 4xx responses are permanent.
func (s *LNbitsService) call(ctx context.Context, method string, path string, apiKey string, body interface{}, out interface{}) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	operation := func() error {
		return s.doRequest(ctx, method, path, apiKey, body, out)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 4 * time.Second

	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx))
}

func (s *LNbitsService) doRequest(ctx context.Context, method string, path string, apiKey string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to marshal request body: %w", err))
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reqBody)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("X-Api-Key", apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		logger.Warn("Wallet request failed", zap.String("path", path), zap.Error(err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("wallet returned status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
		if resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode wallet response: %w", err))
		}
	}

	return nil
}
