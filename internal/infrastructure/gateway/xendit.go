package gateway

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/honeynil/ZenLearnPayments/internal/infrastructure/observability"
	"github.com/honeynil/ZenLearnPayments/internal/models"
	pkgerrors "github.com/honeynil/ZenLearnPayments/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const callbackTokenHeader = "x-callback-token"

type XenditConfig struct {
	BaseURL            string
	SecretKey          string
	CallbackToken      string
	SuccessRedirectURL string
	Timeout            time.Duration
}

type XenditClient struct {
	cfg    XenditConfig
	client *http.Client
}

func NewXenditClient(cfg XenditConfig) *XenditClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &XenditClient{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// apiError is a non-2xx response from the provider.
type apiError struct {
	StatusCode int
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("xendit %d %s: %s", e.StatusCode, e.ErrorCode, e.Message)
}

var invoiceChannels = map[models.PaymentMethod][]string{
	models.MethodBankTransfer:   {"BCA", "BNI", "BRI", "MANDIRI", "PERMATA"},
	models.MethodVirtualAccount: {"BCA", "BNI", "BRI", "MANDIRI", "PERMATA"},
	models.MethodEWallet:        {"OVO", "DANA", "SHOPEEPAY", "LINKAJA"},
	models.MethodQRIS:           {"QRIS"},
	models.MethodCreditCard:     {"CREDIT_CARD"},
}

type invoiceRequest struct {
	ExternalID         string   `json:"external_id"`
	Amount             int64    `json:"amount"`
	Description        string   `json:"description"`
	InvoiceDuration    int64    `json:"invoice_duration,omitempty"`
	PaymentMethods     []string `json:"payment_methods,omitempty"`
	SuccessRedirectURL string   `json:"success_redirect_url,omitempty"`
	Currency           string   `json:"currency"`
}

type invoiceResponse struct {
	ID         string          `json:"id"`
	ExternalID string          `json:"external_id"`
	Status     string          `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	InvoiceURL string          `json:"invoice_url"`
	Fees       []struct {
		Type  string          `json:"type"`
		Value decimal.Decimal `json:"value"`
	} `json:"fees"`
	AvailableBanks []struct {
		BankCode          string `json:"bank_code"`
		BankAccountNumber string `json:"bank_account_number"`
	} `json:"available_banks"`
}

func (c *XenditClient) RequestInstrument(ctx context.Context, p *models.Payment) (*Instrument, error) {
	req := invoiceRequest{
		ExternalID:         p.OrderID,
		Amount:             p.Amount,
		Description:        fmt.Sprintf("Invoice %s", p.InvoiceNumber),
		PaymentMethods:     invoiceChannels[p.Method],
		SuccessRedirectURL: c.cfg.SuccessRedirectURL,
		Currency:           "IDR",
	}
	if ttl := time.Until(p.ExpiresAt); ttl > 0 {
		req.InvoiceDuration = int64(ttl.Seconds())
	}

	var resp invoiceResponse
	if err := c.do(ctx, "CreateInvoice", http.MethodPost, "/v2/invoices", "", req, &resp); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("%w: %v", pkgerrors.ErrGatewayUnavailable, apiErr)
		}
		return nil, err
	}

	inst := &Instrument{ExternalRef: resp.ID, PayURL: resp.InvoiceURL}
	for _, f := range resp.Fees {
		inst.Fees = append(inst.Fees, models.Fee{Type: f.Type, Value: toRupiah(f.Value)})
	}
	if p.Method == models.MethodVirtualAccount || p.Method == models.MethodBankTransfer {
		for _, b := range resp.AvailableBanks {
			if b.BankAccountNumber != "" {
				inst.VANumber = b.BankAccountNumber
				break
			}
		}
	}
	slog.Info("xendit invoice created", "payment_id", p.ID, "external_ref", inst.ExternalRef, "status", resp.Status)
	return inst, nil
}

func (c *XenditClient) QueryStatus(ctx context.Context, externalRef string) (models.PaymentStatus, error) {
	var resp invoiceResponse
	if err := c.do(ctx, "GetInvoice", http.MethodGet, "/v2/invoices/"+url.PathEscape(externalRef), "", nil, &resp); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("%w: %v", pkgerrors.ErrGatewayUnavailable, apiErr)
		}
		return "", err
	}
	status, ok := MapInvoiceStatus(resp.Status)
	if !ok {
		return "", fmt.Errorf("%w: unknown invoice status %q", pkgerrors.ErrGatewayUnavailable, resp.Status)
	}
	return status, nil
}

type refundRequest struct {
	InvoiceID   string            `json:"invoice_id"`
	ReferenceID string            `json:"reference_id"`
	Amount      int64             `json:"amount"`
	Reason      string            `json:"reason"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type refundResponse struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Amount      decimal.Decimal `json:"amount"`
	FailureCode string          `json:"failure_code"`
}

func (c *XenditClient) Refund(ctx context.Context, externalRef string, amount int64, reason string) (string, error) {
	reference := "refund-" + externalRef
	req := refundRequest{
		InvoiceID:   externalRef,
		ReferenceID: reference,
		Amount:      amount,
		Reason:      "OTHERS",
		Metadata:    map[string]string{"note": reason},
	}

	var resp refundResponse
	if err := c.do(ctx, "CreateRefund", http.MethodPost, "/refunds", reference, req, &resp); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("%w: %s", pkgerrors.ErrRefundRejected, apiErr.Message)
		}
		return "", err
	}
	if strings.EqualFold(resp.Status, "FAILED") {
		return "", fmt.Errorf("%w: %s", pkgerrors.ErrRefundRejected, resp.FailureCode)
	}
	slog.Info("xendit refund created", "external_ref", externalRef, "refund_id", resp.ID, "status", resp.Status, "amount", amount)
	return resp.ID, nil
}

func (c *XenditClient) VerifyWebhook(header http.Header) error {
	got := header.Get(callbackTokenHeader)
	if c.cfg.CallbackToken == "" || got == "" {
		return pkgerrors.ErrAuthFailure
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(c.cfg.CallbackToken)) != 1 {
		return pkgerrors.ErrAuthFailure
	}
	return nil
}

type invoiceCallback struct {
	ID         string          `json:"id"`
	ExternalID string          `json:"external_id"`
	Status     string          `json:"status"`
	PaidAmount decimal.Decimal `json:"paid_amount"`
}

func (c *XenditClient) ParseWebhook(header http.Header, body []byte) (*WebhookEvent, error) {
	var cb invoiceCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("%w: malformed callback: %v", pkgerrors.ErrInvalidInput, err)
	}
	if cb.ID == "" {
		return nil, fmt.Errorf("%w: callback without invoice id", pkgerrors.ErrInvalidInput)
	}
	status, ok := MapInvoiceStatus(cb.Status)
	if !ok {
		return nil, fmt.Errorf("%w: unknown callback status %q", pkgerrors.ErrInvalidInput, cb.Status)
	}

	eventID := header.Get("webhook-id")
	if eventID == "" {
		eventID = cb.ID + ":" + strings.ToUpper(cb.Status)
	}
	return &WebhookEvent{
		EventID:     eventID,
		ExternalRef: cb.ID,
		ExternalID:  cb.ExternalID,
		RawStatus:   cb.Status,
		Status:      status,
		PaidAmount:  toRupiah(cb.PaidAmount),
	}, nil
}

// MapInvoiceStatus translates an invoice status into the local status enum.
func MapInvoiceStatus(raw string) (models.PaymentStatus, bool) {
	switch strings.ToUpper(raw) {
	case "PENDING":
		return models.PaymentPending, true
	case "PAID", "SETTLED":
		return models.PaymentCompleted, true
	case "EXPIRED":
		return models.PaymentCancelled, true
	case "FAILED":
		return models.PaymentFailed, true
	}
	return "", false
}

func toRupiah(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}

func (c *XenditClient) do(ctx context.Context, operation, method, path, idempotencyKey string, in, out any) (err error) {
	ctx, span := otel.Tracer("xendit-client").Start(ctx, operation)
	defer span.End()
	span.SetAttributes(attribute.String("http.method", method), attribute.String("http.path", path))

	start := time.Now()
	status := "success"
	defer func() {
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.GatewayRequests.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
	}()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.SecretKey, "")
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		slog.Error("xendit request failed", "operation", operation, "error", err)
		return fmt.Errorf("%w: %v", pkgerrors.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", pkgerrors.ErrGatewayUnavailable, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= http.StatusInternalServerError {
		slog.Error("xendit server error", "operation", operation, "status", resp.StatusCode)
		return fmt.Errorf("%w: status %s", pkgerrors.ErrGatewayUnavailable, strconv.Itoa(resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &apiError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(raw, apiErr)
		slog.Warn("xendit rejected request", "operation", operation, "status", resp.StatusCode, "error_code", apiErr.ErrorCode)
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%w: malformed response: %v", pkgerrors.ErrGatewayUnavailable, err)
		}
	}
	return nil
}
