// Package ledger talks to the upstream new-api ledger: it verifies user
// API keys, mints redemption codes, and deposits codes into user wallets.
// All shape-sniffing of the remote JSON happens here; callers only see
// typed results.
package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultQuotaPerUnit = 500000

var (
	ErrMintRejected = errors.New("ledger rejected mint request")
	// ErrMintAmbiguous marks a mint whose outcome is unknown (timeout or
	// lost response). The remote side may have created a code; callers
	// must not blindly retry without reconciliation.
	ErrMintAmbiguous = errors.New("ledger mint outcome unknown")
)

type VerifyStatus int

const (
	StatusInvalid VerifyStatus = iota
	StatusValid
	StatusTransient
)

// VerifyResult is the tagged outcome of an identity check. UserID and
// Username are only meaningful when Status is StatusValid.
type VerifyResult struct {
	Status   VerifyStatus
	UserID   string
	Username string
}

type Client struct {
	baseURL      string
	adminToken   string
	quotaPerUnit int64
	httpClient   *http.Client
}

type mintRequest struct {
	Name  string `json:"name"`
	Quota int64  `json:"quota"`
	Count int    `json:"count"`
}

type mintResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Data    []string `json:"data"`
}

type topupRequest struct {
	Key string `json:"key"`
}

type topupResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func NewClient(baseURL, adminToken string, httpClient *http.Client) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return nil, errors.New("invalid ledger base url")
	}
	if !strings.EqualFold(parsed.Scheme, "https") && !strings.EqualFold(parsed.Scheme, "http") {
		return nil, errors.New("ledger base url must be http or https")
	}

	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		baseURL:      trimmed,
		adminToken:   strings.TrimSpace(adminToken),
		quotaPerUnit: defaultQuotaPerUnit,
		httpClient:   client,
	}, nil
}

// VerifyKey checks an opaque user credential against the ledger. The
// call is read-only on the remote side and safe to repeat.
func (c *Client) VerifyKey(ctx context.Context, apiKey string) VerifyResult {
	key := strings.TrimSpace(apiKey)
	if key == "" || !strings.HasPrefix(key, "sk-") {
		return VerifyResult{Status: StatusInvalid}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return VerifyResult{Status: StatusTransient}
	}
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return VerifyResult{Status: StatusTransient}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
		var payload map[string]json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return VerifyResult{Status: StatusTransient}
		}
		if !responseIndicatesValidKey(payload) {
			return VerifyResult{Status: StatusInvalid}
		}
		return VerifyResult{
			Status:   StatusValid,
			UserID:   HashKey(key),
			Username: KeyPreview(key),
		}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return VerifyResult{Status: StatusInvalid}
	default:
		return VerifyResult{Status: StatusTransient}
	}
}

// MintCode creates one redemption code of the given tier value on the
// ledger. The remote side may consume the code even when our view of the
// response is lost, so ambiguous outcomes are reported as such.
func (c *Client) MintCode(ctx context.Context, tierValue string) (string, error) {
	if c.adminToken == "" {
		return "", errors.New("ledger admin token is not configured")
	}

	quota, err := QuotaForTier(tierValue, c.quotaPerUnit)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(mintRequest{
		Name:  fmt.Sprintf("auto-%s-%d", tierValue, time.Now().UTC().Unix()),
		Quota: quota,
		Count: 1,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/redemption", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.adminToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrMintAmbiguous, err)
		}
		return "", fmt.Errorf("mint request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var payload mintResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&payload); decodeErr != nil {
		return "", fmt.Errorf("%w: undecodable response", ErrMintAmbiguous)
	}

	if resp.StatusCode >= http.StatusBadRequest || !payload.Success {
		if payload.Message == "" {
			payload.Message = "mint request rejected"
		}
		return "", fmt.Errorf("%w: %s", ErrMintRejected, payload.Message)
	}
	if len(payload.Data) == 0 || strings.TrimSpace(payload.Data[0]) == "" {
		return "", fmt.Errorf("%w: empty code in response", ErrMintAmbiguous)
	}

	return strings.TrimSpace(payload.Data[0]), nil
}

// AutoRedeem deposits a code directly into the user's wallet. Best
// effort; the caller treats any error as "hand the raw code back".
func (c *Client) AutoRedeem(ctx context.Context, apiKey, code string) error {
	key := strings.TrimSpace(apiKey)
	trimmedCode := strings.TrimSpace(code)
	if key == "" || trimmedCode == "" {
		return errors.New("api key and code are required")
	}

	body, err := json.Marshal(topupRequest{Key: trimmedCode})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/user/topup", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var payload topupResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&payload); decodeErr != nil {
		return decodeErr
	}

	if resp.StatusCode >= http.StatusBadRequest || !payload.Success {
		if payload.Message == "" {
			payload.Message = "topup request failed"
		}
		return fmt.Errorf("ledger topup error: %s", payload.Message)
	}

	return nil
}

// HashKey derives the stable opaque user id from an API key. The hash is
// what gets persisted; raw keys never touch the database.
func HashKey(apiKey string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(apiKey)))
	return hex.EncodeToString(sum[:])[:32]
}

// KeyPreview masks a key for display: first 10 and last 4 characters.
func KeyPreview(apiKey string) string {
	key := strings.TrimSpace(apiKey)
	if len(key) <= 14 {
		return strings.Repeat("*", len(key))
	}
	return key[:10] + "****" + key[len(key)-4:]
}

// QuotaForTier converts a canonical decimal tier value into ledger quota
// units without ever passing through a binary float. The conversion must
// be exact; a tier value finer than the quota unit is rejected.
func QuotaForTier(tierValue string, quotaPerUnit int64) (int64, error) {
	if quotaPerUnit <= 0 {
		quotaPerUnit = defaultQuotaPerUnit
	}

	value := strings.TrimSpace(tierValue)
	intPart, fracPart, hasFrac := strings.Cut(value, ".")
	if intPart == "" {
		intPart = "0"
	}

	digits := intPart
	scale := int64(1)
	if hasFrac {
		digits += fracPart
		for range fracPart {
			scale *= 10
		}
	}

	var scaled int64
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid tier value %q", tierValue)
		}
		scaled = scaled*10 + int64(r-'0')
	}
	if scaled <= 0 {
		return 0, fmt.Errorf("invalid tier value %q", tierValue)
	}

	quota := scaled * quotaPerUnit
	if quota%scale != 0 {
		return 0, fmt.Errorf("tier value %q is finer than one quota unit", tierValue)
	}
	return quota / scale, nil
}

func responseIndicatesValidKey(payload map[string]json.RawMessage) bool {
	if raw, ok := payload["success"]; ok {
		var success bool
		if err := json.Unmarshal(raw, &success); err == nil && success {
			return true
		}
	}
	_, hasData := payload["data"]
	return hasData
}
