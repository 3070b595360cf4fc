/**
 * @description
 * This package provides a client for the Safaricom Daraja (M-Pesa) API.
 * It encapsulates the logic for acquiring OAuth access tokens, deriving the
 * time-boxed STK password, submitting STK push requests, and parsing
 * responses.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - golang.org/x/sync/singleflight: Deduplicates concurrent token refreshes.
 */
package darajaclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultTimeout = 10 * time.Second

// transactionType is fixed for PayBill rent collection; the provider rejects
// any other value for a shortcode registered as a paybill.
const transactionType = "CustomerPayBillOnline"

// Config carries the credentials and endpoints needed to talk to Daraja.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
	TokenTTL       time.Duration // ceiling on cached token lifetime
}

// Client is a client for the Daraja API.
type Client struct {
	BaseURL     string
	Shortcode   string
	CallbackURL string
	HTTPClient  *http.Client

	consumerKey    string
	consumerSecret string
	passkey        string
	tokenTTL       time.Duration
	loc            *time.Location
	now            func() time.Time

	tokenMu     sync.Mutex
	cachedToken string
	tokenExpiry time.Time
	tokenGroup  singleflight.Group
}

// NewClient creates a new Daraja API client. Timestamps for the STK password
// are rendered in the provider's local timezone (Africa/Nairobi); if tzdata
// is unavailable on the host the local zone is used instead.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	loc, err := time.LoadLocation("Africa/Nairobi")
	if err != nil {
		log.Printf("level=warn component=daraja_client msg=\"nairobi tzdata unavailable; using host zone\" err=%v", err)
		loc = time.Local
	}
	return &Client{
		BaseURL:        strings.TrimSuffix(cfg.BaseURL, "/"),
		Shortcode:      cfg.Shortcode,
		CallbackURL:    cfg.CallbackURL,
		consumerKey:    cfg.ConsumerKey,
		consumerSecret: cfg.ConsumerSecret,
		passkey:        cfg.Passkey,
		tokenTTL:       cfg.TokenTTL,
		loc:            loc,
		now:            time.Now,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// AuthError represents a failure to acquire an access token. The upstream
// body is preserved for operator diagnostics.
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("daraja auth error: %s", e.Body)
	}
	return fmt.Sprintf("daraja auth error: status=%d body=%s", e.StatusCode, e.Body)
}

// GatewayError represents a failed STK push submission at the transport or
// provider level. StatusCode is zero for pure transport failures (timeouts,
// connection errors).
type GatewayError struct {
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("daraja gateway error: %s", e.Body)
	}
	return fmt.Sprintf("daraja gateway error: status=%d body=%s", e.StatusCode, e.Body)
}

// stkPushPayload is the request body for the STK push endpoint. Field names
// follow the Daraja wire format exactly.
type stkPushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPushResponse is the provider's synchronous acknowledgment. It confirms
// only that the PIN prompt was dispatched to the handset, not that the
// payment succeeded.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// STKPush submits a push-payment request for the given amount and phone.
// The phone must already be a normalized MSISDN (2547XXXXXXXX). The
// configured shortcode is used as both the payer-business and payee-business
// identifiers, per the CustomerPayBillOnline contract.
func (c *Client) STKPush(ctx context.Context, amount int64, phone, accountReference, description string) (*STKPushResponse, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	password, timestamp := GeneratePassword(c.Shortcode, c.passkey, c.now().In(c.loc))

	payload := stkPushPayload{
		BusinessShortCode: c.Shortcode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   transactionType,
		Amount:            amount,
		PartyA:            phone,
		PartyB:            c.Shortcode,
		PhoneNumber:       phone,
		CallBackURL:       c.CallbackURL,
		AccountReference:  accountReference,
		TransactionDesc:   description,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stk push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/mpesa/stkpush/v1/processrequest", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create stk push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &GatewayError{Body: err.Error()}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &GatewayError{Body: fmt.Sprintf("failed to read stk push response: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=daraja_client op=stk_push status=%d body=%q", resp.StatusCode, truncateBody(bodyBytes))
		return nil, &GatewayError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	var pushResp STKPushResponse
	if err := json.Unmarshal(bodyBytes, &pushResp); err != nil {
		return nil, &GatewayError{StatusCode: resp.StatusCode, Body: fmt.Sprintf("failed to decode stk push response: %v", err)}
	}

	return &pushResp, nil
}

// truncateBody keeps error logs bounded when the provider returns HTML error
// pages instead of JSON.
func truncateBody(b []byte) string {
	const max = 512
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
