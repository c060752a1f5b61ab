// Package stripe talks to the payment provider. Every mutating call carries an
// Idempotency-Key so a retried saga step resolves to the same provider object,
// and a circuit breaker shields the saga from provider 5xx bursts.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	coreerrors "hustlexp/core/errors"
)

const (
	// DefaultBaseURL is the live API host; tests point at an httptest server.
	DefaultBaseURL = "https://api.stripe.com"
	// callTimeout is the per-call deadline for provider API requests.
	callTimeout = 30 * time.Second
)

// Client is the subset of the provider API the saga and backfill require.
type Client interface {
	CreatePaymentIntent(ctx context.Context, idemKey string, req *PaymentIntentRequest) (*PaymentIntent, error)
	CapturePaymentIntent(ctx context.Context, idemKey, paymentIntentID string) (*PaymentIntent, error)
	CreateTransfer(ctx context.Context, idemKey string, req *TransferRequest) (*Transfer, error)
	CreateRefund(ctx context.Context, idemKey string, req *RefundRequest) (*Refund, error)

	// FindTransferByGroup resolves a transfer created with the given
	// transfer_group, used by stuck-recovery to learn whether an outbound
	// call landed before the process died.
	FindTransferByGroup(ctx context.Context, group string) (*Transfer, error)

	// Listing operations for backfill-from-provider-truth.
	ListPaymentIntents(ctx context.Context, taskID string) ([]PaymentIntent, error)
	ListCharges(ctx context.Context, paymentIntentID string) ([]Charge, error)
	ListTransfers(ctx context.Context, group string) ([]Transfer, error)
	ListRefunds(ctx context.Context, paymentIntentID string) ([]Refund, error)
}

// PaymentIntentRequest creates a funds hold for one task.
type PaymentIntentRequest struct {
	AmountCents int64
	Currency    string
	TaskID      string
	CaptureNow  bool
}

// TransferRequest pays a hustler out of held funds.
type TransferRequest struct {
	AmountCents int64
	Currency    string
	Destination string
	Group       string
	TaskID      string
}

// RefundRequest returns held funds to the poster.
type RefundRequest struct {
	PaymentIntentID string
	AmountCents     int64
	TaskID          string
}

// PaymentIntent mirrors the provider attributes the core reads.
type PaymentIntent struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	AmountCents  int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Livemode     bool              `json:"livemode"`
	LatestCharge string            `json:"latest_charge"`
	Metadata     map[string]string `json:"metadata"`
}

// Transfer mirrors an outbound payout object.
type Transfer struct {
	ID          string            `json:"id"`
	AmountCents int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Destination string            `json:"destination"`
	Group       string            `json:"transfer_group"`
	Livemode    bool              `json:"livemode"`
	Metadata    map[string]string `json:"metadata"`
}

// Charge mirrors a captured charge.
type Charge struct {
	ID              string `json:"id"`
	PaymentIntentID string `json:"payment_intent"`
	AmountCents     int64  `json:"amount"`
	Status          string `json:"status"`
	Livemode        bool   `json:"livemode"`
}

// Refund mirrors a refund object.
type Refund struct {
	ID              string `json:"id"`
	PaymentIntentID string `json:"payment_intent"`
	AmountCents     int64  `json:"amount"`
	Status          string `json:"status"`
}

type listEnvelope[T any] struct {
	Data []T `json:"data"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// HTTPClient implements Client against the provider's form-encoded HTTP API.
type HTTPClient struct {
	secretKey string
	baseURL   string
	http      *http.Client
	breaker   *Breaker
}

// NewHTTPClient constructs a client with the per-call deadline and a breaker
// sized for provider 5xx bursts.
func NewHTTPClient(baseURL, secretKey string) *HTTPClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &HTTPClient{
		secretKey: secretKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: callTimeout},
		breaker:   NewBreaker(5, 30*time.Second),
	}
}

func (c *HTTPClient) CreatePaymentIntent(ctx context.Context, idemKey string, req *PaymentIntentRequest) (*PaymentIntent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("metadata[task_id]", req.TaskID)
	if req.CaptureNow {
		form.Set("capture_method", "automatic")
	} else {
		form.Set("capture_method", "manual")
	}
	var intent PaymentIntent
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents", idemKey, form, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (c *HTTPClient) CapturePaymentIntent(ctx context.Context, idemKey, paymentIntentID string) (*PaymentIntent, error) {
	var intent PaymentIntent
	path := "/v1/payment_intents/" + url.PathEscape(paymentIntentID) + "/capture"
	if err := c.do(ctx, http.MethodPost, path, idemKey, url.Values{}, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (c *HTTPClient) CreateTransfer(ctx context.Context, idemKey string, req *TransferRequest) (*Transfer, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("destination", req.Destination)
	form.Set("transfer_group", req.Group)
	form.Set("metadata[task_id]", req.TaskID)
	var transfer Transfer
	if err := c.do(ctx, http.MethodPost, "/v1/transfers", idemKey, form, &transfer); err != nil {
		return nil, err
	}
	return &transfer, nil
}

func (c *HTTPClient) CreateRefund(ctx context.Context, idemKey string, req *RefundRequest) (*Refund, error) {
	form := url.Values{}
	form.Set("payment_intent", req.PaymentIntentID)
	form.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	form.Set("metadata[task_id]", req.TaskID)
	var refund Refund
	if err := c.do(ctx, http.MethodPost, "/v1/refunds", idemKey, form, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

func (c *HTTPClient) FindTransferByGroup(ctx context.Context, group string) (*Transfer, error) {
	transfers, err := c.ListTransfers(ctx, group)
	if err != nil {
		return nil, err
	}
	if len(transfers) == 0 {
		return nil, coreerrors.NotFound("transfer", group)
	}
	return &transfers[0], nil
}

func (c *HTTPClient) ListPaymentIntents(ctx context.Context, taskID string) ([]PaymentIntent, error) {
	query := url.Values{}
	query.Set("limit", "100")
	var out listEnvelope[PaymentIntent]
	if err := c.do(ctx, http.MethodGet, "/v1/payment_intents?"+query.Encode(), "", nil, &out); err != nil {
		return nil, err
	}
	matched := out.Data[:0]
	for _, intent := range out.Data {
		if intent.Metadata["task_id"] == taskID {
			matched = append(matched, intent)
		}
	}
	return matched, nil
}

func (c *HTTPClient) ListCharges(ctx context.Context, paymentIntentID string) ([]Charge, error) {
	query := url.Values{}
	query.Set("payment_intent", paymentIntentID)
	query.Set("limit", "100")
	var out listEnvelope[Charge]
	if err := c.do(ctx, http.MethodGet, "/v1/charges?"+query.Encode(), "", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *HTTPClient) ListTransfers(ctx context.Context, group string) ([]Transfer, error) {
	query := url.Values{}
	if group != "" {
		query.Set("transfer_group", group)
	}
	query.Set("limit", "100")
	var out listEnvelope[Transfer]
	if err := c.do(ctx, http.MethodGet, "/v1/transfers?"+query.Encode(), "", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *HTTPClient) ListRefunds(ctx context.Context, paymentIntentID string) ([]Refund, error) {
	query := url.Values{}
	query.Set("payment_intent", paymentIntentID)
	query.Set("limit", "100")
	var out listEnvelope[Refund]
	if err := c.do(ctx, http.MethodGet, "/v1/refunds?"+query.Encode(), "", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path, idemKey string, form url.Values, out any) error {
	if c == nil {
		return fmt.Errorf("stripe: client not configured")
	}
	if err := c.breaker.Allow(); err != nil {
		return err
	}

	var body io.Reader
	if method != http.MethodGet && form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("stripe: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return coreerrors.Provider("PROVIDER_UNREACHABLE", err).With("path", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.mapFailure(resp, path)
	}
	c.breaker.RecordSuccess()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return coreerrors.Provider("PROVIDER_BAD_RESPONSE", err).With("path", path)
	}
	return nil
}

func (c *HTTPClient) mapFailure(resp *http.Response, path string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var decoded apiError
	_ = json.Unmarshal(raw, &decoded)

	code := decoded.Error.Code
	if code == "" {
		code = "PROVIDER_ERROR"
	}
	message := decoded.Error.Message
	if message == "" {
		message = fmt.Sprintf("status %d", resp.StatusCode)
	}
	base := errors.New(message)

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		c.breaker.RecordFailure()
		return coreerrors.Provider(code, base).
			With("path", path).With("status", resp.StatusCode).With("retryable", true)
	}
	c.breaker.RecordSuccess()
	if decoded.Error.Code == "idempotency_key_in_use" {
		return coreerrors.New(coreerrors.KindConcurrencyConflict, "IDEMPOTENCY_IN_FLIGHT", message).
			With("path", path)
	}
	return coreerrors.Provider(code, base).
		With("path", path).With("status", resp.StatusCode).With("retryable", false)
}

// Retryable reports whether a provider failure is worth another attempt.
func Retryable(err error) bool {
	var e *coreerrors.Error
	if !errors.As(err, &e) || e.Kind != coreerrors.KindExternalProvider {
		return false
	}
	retryable, ok := e.Context["retryable"].(bool)
	return ok && retryable
}
