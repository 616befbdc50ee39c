package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const tokenHeader = "Crypto-Pay-API-Token"

// ProviderError wraps any transport failure, non-2xx status or non-ok
// response from the payment API. The raw diagnostic is preserved for
// logging; buyers only ever see a generic try-later message.
type ProviderError struct {
	Op     string
	Detail string
	Err    error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payment provider: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("payment provider: %s: %s", e.Op, e.Detail)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Invoice is a provider-issued payment request
type Invoice struct {
	ID     string
	PayURL string
}

// Client talks to the Crypto Pay HTTP API. Every call is a fresh network
// request; retry policy lives with the caller, never here.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	asset      string
	expiry     time.Duration
	logger     *zap.Logger
}

// NewClient creates a Crypto Pay API client
func NewClient(baseURL, token, asset string, expiry time.Duration, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		token:      token,
		asset:      asset,
		expiry:     expiry,
		logger:     logger,
	}
}

type apiResponse struct {
	Ok     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
}

type invoiceResult struct {
	InvoiceID int64  `json:"invoice_id"`
	PayURL    string `json:"pay_url"`
	Status    string `json:"status"`
}

type invoiceList struct {
	Items []invoiceResult `json:"items"`
}

// CreateInvoice issues a payment request for the given amount. The
// invoice identifier is taken from the response body; parsing it out of
// the pay URL is kept only as a fallback, and a parse failure there is a
// provider error, not silent corruption.
func (c *Client) CreateInvoice(ctx context.Context, amount decimal.Decimal, description string) (*Invoice, error) {
	params := map[string]any{
		"asset":       c.asset,
		"amount":      amount.String(),
		"description": description,
		"expires_in":  int(c.expiry.Seconds()),
	}

	raw, err := c.post(ctx, "createInvoice", params)
	if err != nil {
		return nil, err
	}

	var result invoiceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ProviderError{Op: "createInvoice", Detail: string(raw), Err: err}
	}
	if result.PayURL == "" {
		return nil, &ProviderError{Op: "createInvoice", Detail: "response missing pay_url"}
	}

	invoice := &Invoice{PayURL: result.PayURL}
	if result.InvoiceID != 0 {
		invoice.ID = strconv.FormatInt(result.InvoiceID, 10)
	} else {
		id, err := invoiceIDFromPayURL(result.PayURL)
		if err != nil {
			return nil, &ProviderError{Op: "createInvoice", Detail: result.PayURL, Err: err}
		}
		invoice.ID = id
	}

	c.logger.Info("Invoice created",
		zap.String("invoice_id", invoice.ID),
		zap.String("amount", amount.String()),
		zap.String("asset", c.asset),
	)
	return invoice, nil
}

// CheckSettled reports whether an invoice status equals "paid". An
// invoice the provider no longer knows about counts as unsettled, not as
// an error.
func (c *Client) CheckSettled(ctx context.Context, invoiceID string) (bool, error) {
	raw, err := c.post(ctx, "getInvoices", map[string]any{
		"invoice_ids": invoiceID,
	})
	if err != nil {
		return false, err
	}

	var list invoiceList
	if err := json.Unmarshal(raw, &list); err != nil {
		return false, &ProviderError{Op: "getInvoices", Detail: string(raw), Err: err}
	}
	if len(list.Items) == 0 {
		c.logger.Warn("Invoice not found at provider", zap.String("invoice_id", invoiceID))
		return false, nil
	}
	return list.Items[0].Status == "paid", nil
}

func (c *Client) post(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, &ProviderError{Op: method, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Op: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tokenHeader, c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{Op: method, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Op: method, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{Op: method, Detail: fmt.Sprintf("status %d: %s", resp.StatusCode, raw)}
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &ProviderError{Op: method, Detail: string(raw), Err: err}
	}
	if !parsed.Ok {
		return nil, &ProviderError{Op: method, Detail: string(raw)}
	}
	return parsed.Result, nil
}

// invoiceIDFromPayURL extracts the invoice identifier from the pay URL's
// "start" query parameter. Fragile coupling to the provider's URL shape,
// used only when the response body omits invoice_id.
func invoiceIDFromPayURL(payURL string) (string, error) {
	parsed, err := url.Parse(payURL)
	if err != nil {
		return "", fmt.Errorf("parse pay url: %w", err)
	}
	id := parsed.Query().Get("start")
	if id == "" {
		return "", fmt.Errorf("pay url has no start parameter")
	}
	return id, nil
}
