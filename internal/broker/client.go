// Package broker fetches short-lived realtime credentials from the
// session broker so the upstream API key never reaches the client.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/birdbrainlab/birdbrain/internal/reliability"
)

// CredentialError means no usable credential could be obtained. It is
// terminal for the connection attempt that triggered it.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential broker: %v", e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// Credential is a short-lived client secret minted by the broker.
type Credential struct {
	Value     string
	ExpiresAt time.Time
}

// statusError carries the broker's HTTP status so the retry loop can tell
// transient upstream trouble from a rejected request.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("broker http status %d: %s", e.code, e.body)
}

type sessionResponse struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Voice        string `json:"voice"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

type Client struct {
	baseURL  string
	attempts int
	backoff  time.Duration
	client   *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		attempts: 3,
		backoff:  time.Second,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// FetchCredential asks the broker for a fresh session credential. Transient
// failures are retried a bounded number of times with backoff; a rejected
// request (401, 404) stops immediately. Either way exhaustion yields a
// CredentialError.
func (c *Client) FetchCredential(ctx context.Context) (Credential, error) {
	var cred Credential
	err := reliability.Retry(ctx, c.attempts, c.backoff, 4*c.backoff, retryableFetch, func(ctx context.Context) error {
		var err error
		cred, err = c.fetchOnce(ctx)
		return err
	})
	if err != nil {
		return Credential{}, &CredentialError{Err: err}
	}
	return cred, nil
}

// retryableFetch keeps network errors and transient statuses in the retry
// loop; a definitive broker rejection is final.
func retryableFetch(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return reliability.IsRetryableHTTPStatus(se.code)
	}
	return true
}

func (c *Client) fetchOnce(ctx context.Context) (Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/session", nil)
	if err != nil {
		return Credential{}, fmt.Errorf("create request: %w", err)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Credential{}, &statusError{code: res.StatusCode, body: strings.TrimSpace(string(body))}
	}

	var payload sessionResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return Credential{}, fmt.Errorf("decode session response: %w", err)
	}
	// A 200 without a secret is still unusable.
	if payload.ClientSecret.Value == "" {
		return Credential{}, fmt.Errorf("session response missing client_secret.value")
	}

	cred := Credential{Value: payload.ClientSecret.Value}
	if payload.ClientSecret.ExpiresAt > 0 {
		cred.ExpiresAt = time.Unix(payload.ClientSecret.ExpiresAt, 0)
	}
	return cred, nil
}
