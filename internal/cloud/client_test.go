package cloud

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/myndhyve/myndhyve-relay/internal/relayerr"
	"github.com/myndhyve/myndhyve-relay/internal/relaytype"
)

func signedTokenExpiringIn(d time.Duration) string {
	claims := jwt.MapClaims{"exp": time.Now().Add(d).Unix()}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		panic(err)
	}
	return tok
}

type staticTokens struct {
	token        string
	refreshCalls int
	refreshToken string
	refreshErr   error
}

func (s *staticTokens) Token() string { return s.token }

func (s *staticTokens) Refresh(ctx context.Context) (string, error) {
	s.refreshCalls++
	if s.refreshErr != nil {
		return "", s.refreshErr
	}
	s.token = s.refreshToken
	return s.refreshToken, nil
}

func TestHeartbeatRateLimitedMapsRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &staticTokens{token: "tok"})
	_, err := c.Heartbeat(context.Background(), "relay1", HeartbeatRequest{})

	var ce *relayerr.CloudError
	if err == nil {
		t.Fatal("expected error")
	}
	if !asCloudError(err, &ce) {
		t.Fatalf("expected *relayerr.CloudError, got %T", err)
	}
	if ce.Code != relayerr.CodeRateLimited || ce.RetryAfter != 7 {
		t.Fatalf("got %+v", ce)
	}
}

func TestUnauthorizedRefreshesOnceThenRetries(t *testing.T) {
	attempt := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt++
		if r.Header.Get("Authorization") == "Bearer fresh" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &staticTokens{token: "stale", refreshToken: "fresh"}
	c := NewClient(srv.URL, tokens)

	_, err := c.Heartbeat(context.Background(), "relay1", HeartbeatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tokens.refreshCalls != 1 {
		t.Fatalf("refresh calls = %d, want 1", tokens.refreshCalls)
	}
	if attempt != 2 {
		t.Fatalf("server saw %d attempts, want 2", attempt)
	}
}

func TestUnauthorizedRefreshFailureSurfacesDeviceTokenExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &staticTokens{token: "stale", refreshErr: errRefreshDenied}
	c := NewClient(srv.URL, tokens)

	_, err := c.Heartbeat(context.Background(), "relay1", HeartbeatRequest{})

	if !relayerr.IsDeviceTokenExpired(err) {
		t.Fatalf("expected DEVICE_TOKEN_EXPIRED, got %v", err)
	}
}

func TestServerErrorMapsToAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &staticTokens{token: "tok"})
	err := c.PostIngress(context.Background(), "relay1", relaytype.ChatIngressEnvelope{})

	var ce *relayerr.CloudError
	if !asCloudError(err, &ce) || ce.Code != relayerr.CodeAPIError {
		t.Fatalf("got %v", err)
	}
}

func TestRefreshTokenIfNeededRefreshesNearExpiry(t *testing.T) {
	tokens := &staticTokens{token: signedTokenExpiringIn(1 * time.Minute), refreshToken: "fresh"}
	c := NewClient("http://unused.invalid", tokens)

	if err := c.RefreshTokenIfNeeded(context.Background(), 5*time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tokens.refreshCalls != 1 {
		t.Fatalf("refresh calls = %d, want 1", tokens.refreshCalls)
	}
}

func TestRefreshTokenIfNeededNoopWhenFarFromExpiry(t *testing.T) {
	tokens := &staticTokens{token: signedTokenExpiringIn(1 * time.Hour)}
	c := NewClient("http://unused.invalid", tokens)

	if err := c.RefreshTokenIfNeeded(context.Background(), 5*time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tokens.refreshCalls != 0 {
		t.Fatalf("expected no refresh, got %d calls", tokens.refreshCalls)
	}
}

func TestRefreshTokenIfNeededNoopForOpaqueToken(t *testing.T) {
	tokens := &staticTokens{token: "not-a-jwt"}
	c := NewClient("http://unused.invalid", tokens)

	if err := c.RefreshTokenIfNeeded(context.Background(), 5*time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tokens.refreshCalls != 0 {
		t.Fatalf("expected no refresh for an unparseable token, got %d calls", tokens.refreshCalls)
	}
}

func asCloudError(err error, target **relayerr.CloudError) bool {
	ce, ok := err.(*relayerr.CloudError)
	if !ok {
		return false
	}
	*target = ce
	return true
}

var errRefreshDenied = &simpleErr{"refresh token rejected"}

type simpleErr struct{ msg string }

func (e *simpleErr) Error() string { return e.msg }
