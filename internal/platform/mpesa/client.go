// Package mpesa queries M-Pesa transaction status for payment tracking and
// the reconciliation job. Only the query side lives here; STK push initiation
// is driven by the front office system.
package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var ErrGateway = errors.New("mpesa gateway error")

// Transaction states reported by the gateway.
const (
	StatusPending = "pending"
	StatusPaid    = "paid"
	StatusFailed  = "failed"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// Client is an M-Pesa transaction query client for one paybill shortcode.
type Client struct {
	baseURL     string
	shortcode   string
	consumerKey string
	secret      string
	httpClient  *http.Client
}

// NewClient creates a gateway client.
func NewClient(baseURL, shortcode, consumerKey, secret string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     baseURL,
		shortcode:   shortcode,
		consumerKey: consumerKey,
		secret:      secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Transaction is the gateway's record of one payment against an invoice.
type Transaction struct {
	InvoiceNumber string `json:"invoice_number"`
	Receipt       string `json:"receipt"`
	AmountCents   int64  `json:"amount_cents"`
	Status        string `json:"status"`
	Phone         string `json:"phone,omitempty"`
}

// QueryByInvoice fetches the payment state for an invoice. A gateway 404
// means no payment has been initiated yet and is reported as pending.
func (c *Client) QueryByInvoice(ctx context.Context, invoiceNumber string) (*Transaction, error) {
	url := fmt.Sprintf("%s/v1/transactions?shortcode=%s&invoice=%s", c.baseURL, c.shortcode, invoiceNumber)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Basic "+c.basicAuth())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &Transaction{InvoiceNumber: invoiceNumber, Status: StatusPending}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrGateway, resp.StatusCode, body)
	}

	var tx Transaction
	if err := json.NewDecoder(resp.Body).Decode(&tx); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrGateway, err)
	}
	return &tx, nil
}

func (c *Client) basicAuth() string {
	return base64.StdEncoding.EncodeToString([]byte(c.consumerKey + ":" + c.secret))
}
