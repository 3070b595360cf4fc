/**
 * @description
 * This file implements OAuth access-token acquisition and caching for the
 * Daraja client. Tokens are cached with the provider-declared lifetime minus
 * a safety buffer, and concurrent refreshes are collapsed into a single
 * upstream fetch so a burst of initiations at expiry does not hammer the
 * token endpoint.
 */
package darajaclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// tokenExpiryBuffer is shaved off the provider-declared lifetime so a token
// handed to a caller is never on the verge of expiring mid-request.
const tokenExpiryBuffer = time.Minute

// tokenResponse is the OAuth endpoint's body. Daraja serializes expires_in
// as a JSON string ("3599"); json.Number accepts both forms.
type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

// AccessToken returns a bearer token for the provider API, fetching a fresh
// one only when the cached token is absent or expired.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	if c.cachedToken != "" && c.now().Before(c.tokenExpiry) {
		token := c.cachedToken
		c.tokenMu.Unlock()
		return token, nil
	}
	c.tokenMu.Unlock()

	// Single-flight: concurrent callers hitting an expired cache share one
	// upstream fetch keyed by the consumer credential.
	result, err, _ := c.tokenGroup.Do(c.consumerKey, func() (interface{}, error) {
		c.tokenMu.Lock()
		if c.cachedToken != "" && c.now().Before(c.tokenExpiry) {
			token := c.cachedToken
			c.tokenMu.Unlock()
			return token, nil
		}
		c.tokenMu.Unlock()

		auth, err := c.fetchToken(ctx)
		if err != nil {
			return "", err
		}

		lifetime := c.tokenLifetime(auth)
		c.tokenMu.Lock()
		c.cachedToken = auth.AccessToken
		c.tokenExpiry = c.now().Add(lifetime)
		c.tokenMu.Unlock()

		return auth.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// tokenLifetime converts the provider-declared expires_in into a cache
// lifetime, applying the configured ceiling and the safety buffer.
func (c *Client) tokenLifetime(auth *tokenResponse) time.Duration {
	lifetime := 3599 * time.Second
	if secs, err := auth.ExpiresIn.Int64(); err == nil && secs > 0 {
		lifetime = time.Duration(secs) * time.Second
	}
	if c.tokenTTL > 0 && lifetime > c.tokenTTL {
		lifetime = c.tokenTTL
	}

	buffer := tokenExpiryBuffer
	if lifetime <= buffer {
		buffer = lifetime / 2
	}
	return lifetime - buffer
}

// fetchToken performs the Basic-auth GET against the OAuth endpoint.
func (c *Client) fetchToken(ctx context.Context) (*tokenResponse, error) {
	url := c.BaseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}

	credentials := base64.StdEncoding.EncodeToString([]byte(c.consumerKey + ":" + c.consumerSecret))
	req.Header.Set("Authorization", "Basic "+credentials)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &AuthError{Body: err.Error()}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &AuthError{Body: fmt.Sprintf("failed to read token response: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=daraja_client op=access_token status=%d body=%q", resp.StatusCode, truncateBody(bodyBytes))
		return nil, &AuthError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	var auth tokenResponse
	if err := json.Unmarshal(bodyBytes, &auth); err != nil {
		return nil, &AuthError{StatusCode: resp.StatusCode, Body: fmt.Sprintf("failed to decode token response: %v", err)}
	}
	if auth.AccessToken == "" {
		return nil, &AuthError{StatusCode: resp.StatusCode, Body: "token response missing access_token"}
	}

	return &auth, nil
}

// InvalidateToken drops the cached token so the next call re-authenticates.
// Useful when the provider revokes tokens ahead of their declared lifetime.
func (c *Client) InvalidateToken() {
	c.tokenMu.Lock()
	c.cachedToken = ""
	c.tokenExpiry = time.Time{}
	c.tokenMu.Unlock()
}
