package darajaclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// newTestClient points a client at the given test server with short timeouts.
func newTestClient(t *testing.T, baseURL string, timeout time.Duration) *Client {
	t.Helper()
	c := NewClient(Config{
		BaseURL:        baseURL,
		ConsumerKey:    "test-key",
		ConsumerSecret: "test-secret",
		Shortcode:      "174379",
		Passkey:        "passkey",
		CallbackURL:    "https://example.com/payments/callback",
		Timeout:        timeout,
	})
	return c
}

func stkSuccessBody() string {
	return `{
		"MerchantRequestID": "29115-34620561-1",
		"CheckoutRequestID": "ws_CO_191220191020363925",
		"ResponseCode": "0",
		"ResponseDescription": "Success. Request accepted for processing",
		"CustomerMessage": "Success. Request accepted for processing"
	}`
}

func TestSTKPush_Success(t *testing.T) {
	var tokenCalls, pushCalls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/oauth/v1/generate"):
			atomic.AddInt32(&tokenCalls, 1)
			if !strings.HasPrefix(r.Header.Get("Authorization"), "Basic ") {
				t.Errorf("expected Basic auth on token endpoint, got %q", r.Header.Get("Authorization"))
			}
			fmt.Fprint(w, `{"access_token":"test-token","expires_in":"3599"}`)
		case r.URL.Path == "/mpesa/stkpush/v1/processrequest":
			atomic.AddInt32(&pushCalls, 1)
			if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
				t.Errorf("expected bearer auth on push endpoint, got %q", got)
			}
			var payload map[string]interface{}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Errorf("failed to decode push payload: %v", err)
			}
			if payload["TransactionType"] != "CustomerPayBillOnline" {
				t.Errorf("expected CustomerPayBillOnline, got %v", payload["TransactionType"])
			}
			if payload["PartyB"] != "174379" || payload["BusinessShortCode"] != "174379" {
				t.Errorf("expected shortcode as both business fields, got PartyB=%v BusinessShortCode=%v", payload["PartyB"], payload["BusinessShortCode"])
			}
			if payload["PartyA"] != "254700000000" || payload["PhoneNumber"] != "254700000000" {
				t.Errorf("expected phone as both party fields, got PartyA=%v PhoneNumber=%v", payload["PartyA"], payload["PhoneNumber"])
			}
			fmt.Fprint(w, stkSuccessBody())
		default:
			t.Errorf("unexpected request path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 2*time.Second)

	resp, err := client.STKPush(context.Background(), 10, "254700000000", "REF1", "Rent payment")
	if err != nil {
		t.Fatalf("STKPush returned error: %v", err)
	}
	if resp.CheckoutRequestID != "ws_CO_191220191020363925" {
		t.Fatalf("unexpected CheckoutRequestID %q", resp.CheckoutRequestID)
	}
	if resp.ResponseCode != "0" {
		t.Fatalf("unexpected ResponseCode %q", resp.ResponseCode)
	}

	if got := atomic.LoadInt32(&tokenCalls); got != 1 {
		t.Fatalf("expected exactly one token fetch, got %d", got)
	}
	if got := atomic.LoadInt32(&pushCalls); got != 1 {
		t.Fatalf("expected exactly one push submission, got %d", got)
	}
}

func TestSTKPush_AuthFailureSkipsPushEndpoint(t *testing.T) {
	var pushCalls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/oauth/v1/generate") {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"errorCode":"401.003.01","errorMessage":"Invalid Credentials"}`)
			return
		}
		atomic.AddInt32(&pushCalls, 1)
		fmt.Fprint(w, stkSuccessBody())
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 2*time.Second)

	_, err := client.STKPush(context.Background(), 10, "254700000000", "REF1", "Rent payment")
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError, got %T (%v)", err, err)
	}
	if authErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", authErr.StatusCode)
	}
	if !strings.Contains(authErr.Body, "Invalid Credentials") {
		t.Fatalf("expected upstream body preserved, got %q", authErr.Body)
	}
	if got := atomic.LoadInt32(&pushCalls); got != 0 {
		t.Fatalf("push endpoint must not be called after auth failure, got %d calls", got)
	}
}

func TestSTKPush_TimeoutReturnsGatewayError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/oauth/v1/generate") {
			fmt.Fprint(w, `{"access_token":"test-token","expires_in":"3599"}`)
			return
		}
		// Hold the push request past the client timeout.
		time.Sleep(500 * time.Millisecond)
		fmt.Fprint(w, stkSuccessBody())
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 100*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := client.STKPush(context.Background(), 10, "254700000000", "REF1", "Rent payment")
		done <- err
	}()

	select {
	case err := <-done:
		var gatewayErr *GatewayError
		if !errors.As(err, &gatewayErr) {
			t.Fatalf("expected *GatewayError, got %T (%v)", err, err)
		}
		if gatewayErr.StatusCode != 0 {
			t.Fatalf("expected transport-level error (status 0), got %d", gatewayErr.StatusCode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("STKPush hung instead of timing out")
	}
}

func TestSTKPush_GatewayErrorPreservesUpstreamBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/oauth/v1/generate") {
			fmt.Fprint(w, `{"access_token":"test-token","expires_in":"3599"}`)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"errorCode":"500.001.1001","errorMessage":"Unable to lock subscriber"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 2*time.Second)

	_, err := client.STKPush(context.Background(), 10, "254700000000", "REF1", "Rent payment")
	var gatewayErr *GatewayError
	if !errors.As(err, &gatewayErr) {
		t.Fatalf("expected *GatewayError, got %T (%v)", err, err)
	}
	if gatewayErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", gatewayErr.StatusCode)
	}
	if !strings.Contains(gatewayErr.Body, "Unable to lock subscriber") {
		t.Fatalf("expected upstream body preserved, got %q", gatewayErr.Body)
	}
}

func TestAccessToken_CachedAcrossCalls(t *testing.T) {
	var tokenCalls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/oauth/v1/generate") {
			atomic.AddInt32(&tokenCalls, 1)
			fmt.Fprint(w, `{"access_token":"test-token","expires_in":"3599"}`)
			return
		}
		fmt.Fprint(w, stkSuccessBody())
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 2*time.Second)

	for i := 0; i < 3; i++ {
		if _, err := client.STKPush(context.Background(), 10, "254700000000", "REF1", "Rent payment"); err != nil {
			t.Fatalf("STKPush %d returned error: %v", i, err)
		}
	}

	if got := atomic.LoadInt32(&tokenCalls); got != 1 {
		t.Fatalf("expected token cached after first fetch, got %d fetches", got)
	}
}

func TestAccessToken_ExpiredTokenRefetched(t *testing.T) {
	var tokenCalls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		fmt.Fprint(w, `{"access_token":"test-token","expires_in":"3599"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 2*time.Second)

	if _, err := client.AccessToken(context.Background()); err != nil {
		t.Fatalf("first AccessToken returned error: %v", err)
	}

	// Advance the clock past the cached expiry.
	client.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if _, err := client.AccessToken(context.Background()); err != nil {
		t.Fatalf("second AccessToken returned error: %v", err)
	}

	if got := atomic.LoadInt32(&tokenCalls); got != 2 {
		t.Fatalf("expected refetch after expiry, got %d fetches", got)
	}
}

func TestAccessToken_SingleFlightUnderConcurrency(t *testing.T) {
	var tokenCalls int32
	release := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		<-release
		fmt.Fprint(w, `{"access_token":"test-token","expires_in":"3599"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 5*time.Second)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.AccessToken(context.Background())
			errs <- err
		}()
	}

	// Let the in-flight fetch complete once all callers have piled up.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent AccessToken returned error: %v", err)
		}
	}
	if got := atomic.LoadInt32(&tokenCalls); got != 1 {
		t.Fatalf("expected one upstream fetch shared by %d callers, got %d", callers, got)
	}
}

func TestAccessToken_MalformedBodyFailsWithAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `not-json`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 2*time.Second)

	_, err := client.AccessToken(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError for malformed body, got %T (%v)", err, err)
	}
}
