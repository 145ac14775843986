package mpesa

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kasoko/settlement/internal/config"
)

const (
	tokenPath = "/oauth/v1/generate?grant_type=client_credentials"
	b2cPath   = "/mpesa/b2c/v1/paymentrequest"

	commandBusinessPayment = "BusinessPayment"
)

// ──────────────────────────────────────────────────────────────────────────────
// Error classification
// ──────────────────────────────────────────────────────────────────────────────

// TransportError marks a failure worth retrying: timeouts, connection
// problems, 5xx responses. The dispatch pipeline backs off and tries again.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("mpesa %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// RejectError marks a permanent provider rejection (4xx or a non-zero
// synchronous response code). Retrying an identical request will not help.
type RejectError struct {
	Code string
	Desc string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("mpesa rejected request: code=%s desc=%s", e.Code, e.Desc)
}

// IsRetryable reports whether err represents a transient failure.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ──────────────────────────────────────────────────────────────────────────────
// Client
// ──────────────────────────────────────────────────────────────────────────────

// Client talks to the Daraja API. Safe for concurrent use; the OAuth token is
// cached and refreshed once per expiry window regardless of how many payouts
// are in flight.
type Client struct {
	cfg    config.MpesaConfig
	http   *http.Client
	logger *slog.Logger

	group singleflight.Group

	mu          sync.RWMutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a Daraja client from configuration.
func NewClient(cfg config.MpesaConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger.With("component", "mpesa"),
	}
}

// Token returns a valid OAuth access token, fetching a fresh one when the
// cached token is within a minute of provider expiry. Concurrent callers
// share a single refresh request.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.RLock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		tok := c.token
		c.mu.RUnlock()
		return tok, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do("token", func() (interface{}, error) {
		// Re-check under the flight: another caller may have refreshed already.
		c.mu.RLock()
		if c.token != "" && time.Now().Before(c.tokenExpiry) {
			tok := c.token
			c.mu.RUnlock()
			return tok, nil
		}
		c.mu.RUnlock()
		return c.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+tokenPath, nil)
	if err != nil {
		return "", fmt.Errorf("mpesa token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &TransportError{Op: "token", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", &TransportError{Op: "token", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &RejectError{Code: fmt.Sprintf("%d", resp.StatusCode), Desc: "token request refused"}
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"` // provider sends seconds as a string
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", &TransportError{Op: "token decode", Err: err}
	}
	if body.AccessToken == "" {
		return "", &RejectError{Code: "empty_token", Desc: "provider returned no access token"}
	}

	c.mu.Lock()
	c.token = body.AccessToken
	c.tokenExpiry = time.Now().Add(c.cfg.TokenMaxAge)
	c.mu.Unlock()

	c.logger.Debug("oauth token refreshed", "expires", c.tokenExpiry)
	return body.AccessToken, nil
}

// Disburse submits a B2C payment request. The returned Ack means the
// provider queued the payment; the final verdict arrives asynchronously on
// the configured result URL.
func (c *Client) Disburse(ctx context.Context, dr DisburseRequest) (*Ack, error) {
	phone, err := NormalizePhone(dr.Phone)
	if err != nil {
		return nil, &RejectError{Code: "invalid_phone", Desc: err.Error()}
	}

	// Daraja only accepts whole shillings; sub-shilling remainders stay in
	// the ledger rather than being rounded up.
	amount := dr.Amount.IntPart()
	if amount < 1 {
		return nil, &RejectError{Code: "invalid_amount", Desc: "amount must be at least 1 KES"}
	}

	token, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}

	payload := b2cPayload{
		OriginatorConversationID: dr.ExternalRef,
		InitiatorName:            c.cfg.InitiatorName,
		SecurityCredential:       c.cfg.SecurityCredential,
		CommandID:                commandBusinessPayment,
		Amount:                   amount,
		PartyA:                   c.cfg.Shortcode,
		PartyB:                   phone,
		Remarks:                  fmt.Sprintf("%s ref:%s", dr.Remarks, dr.ExternalRef),
		QueueTimeOutURL:          c.cfg.CallbackURL,
		ResultURL:                c.cfg.CallbackURL,
		Occasion:                 dr.ExternalRef,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("mpesa marshal b2c payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+b2cPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mpesa b2c request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "b2c", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "b2c read", Err: err}
	}

	if resp.StatusCode >= 500 {
		return nil, &TransportError{Op: "b2c", Err: fmt.Errorf("status %d: %s", resp.StatusCode, raw)}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		// Token may have been revoked server-side; drop the cache so the
		// retry fetches a fresh one.
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		return nil, &TransportError{Op: "b2c", Err: fmt.Errorf("status 401: %s", raw)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &RejectError{Code: fmt.Sprintf("%d", resp.StatusCode), Desc: string(raw)}
	}

	var ack Ack
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, &TransportError{Op: "b2c decode", Err: err}
	}
	if !ack.Accepted() {
		return nil, &RejectError{Code: ack.ResponseCode, Desc: ack.ResponseDescription}
	}

	c.logger.Info("b2c request queued",
		"ref", dr.ExternalRef,
		"conversation_id", ack.ConversationID,
		"amount", amount)
	return &ack, nil
}

// EncryptSecurityCredential RSA-encrypts the initiator password with the
// provider's public certificate and base64-encodes the result, producing the
// SecurityCredential value Daraja expects. Called at startup when the
// configuration carries a raw initiator password instead of a pre-encrypted
// credential.
func EncryptSecurityCredential(password string, certPEM []byte) (string, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", errors.New("mpesa: certificate is not valid PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("mpesa: parse certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return "", errors.New("mpesa: certificate does not carry an RSA public key")
	}
	encrypted, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(password))
	if err != nil {
		return "", fmt.Errorf("mpesa: encrypt credential: %w", err)
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}
