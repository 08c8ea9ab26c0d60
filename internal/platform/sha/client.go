// Package sha is the HTTP client for the Social Health Authority claims
// gateway. Requests carry an HMAC-SHA256 signature of the body so the
// gateway can authenticate the submitting facility.
package sha

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var ErrGateway = errors.New("sha gateway error")

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// Client talks to the SHA gateway on behalf of one provider facility.
type Client struct {
	baseURL      string
	providerCode string
	secret       string
	httpClient   *http.Client
}

// NewClient creates a gateway client.
func NewClient(baseURL, providerCode, secret string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      baseURL,
		providerCode: providerCode,
		secret:       secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SignPayload computes the hex-encoded HMAC-SHA256 signature of the payload.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// ClaimSubmission is the request body for claim submission.
type ClaimSubmission struct {
	ClaimNumber   string `json:"claim_number"`
	MemberNumber  string `json:"member_number"`
	PatientName   string `json:"patient_name"`
	DiagnosisCode string `json:"diagnosis_code"`
	AmountCents   int64  `json:"amount_cents"`
	ProviderCode  string `json:"provider_code"`
}

// SubmissionResult is the gateway's acknowledgment.
type SubmissionResult struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// ClaimStatus is the gateway's view of a submitted claim.
type ClaimStatus struct {
	Reference    string `json:"reference"`
	Status       string `json:"status"` // submitted | approved | rejected | paid
	RejectReason string `json:"reject_reason,omitempty"`
}

// SubmitClaim sends a claim to the gateway and returns its reference.
func (c *Client) SubmitClaim(ctx context.Context, sub ClaimSubmission) (*SubmissionResult, error) {
	sub.ProviderCode = c.providerCode

	var result SubmissionResult
	if err := c.post(ctx, "/v1/claims", sub, &result); err != nil {
		return nil, err
	}
	if result.Reference == "" {
		return nil, fmt.Errorf("%w: submission acknowledged without reference", ErrGateway)
	}
	return &result, nil
}

// GetClaimStatus fetches the current status of a submitted claim.
func (c *Client) GetClaimStatus(ctx context.Context, reference string) (*ClaimStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/claims/"+reference, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Provider-Code", c.providerCode)
	req.Header.Set("X-Signature", "sha256="+SignPayload([]byte(reference), c.secret))

	var status ClaimStatus
	if err := c.do(req, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Provider-Code", c.providerCode)
	req.Header.Set("X-Signature", "sha256="+SignPayload(payload, c.secret))

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: status %d: %s", ErrGateway, resp.StatusCode, bytes.TrimSpace(body))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrGateway, err)
	}
	return nil
}
