package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"

	"ratecontrol/crypto"
)

var (
	updater = common.HexToAddress("0x0000000000000000000000000000000000000b02")
	relayed = common.HexToAddress("0x0000000000000000000000000000000000000c03")
)

func callerEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFrom(r.Context())
		if !ok {
			_, _ = w.Write([]byte("anonymous"))
			return
		}
		_, _ = w.Write([]byte(caller.Address.Hex() + "|" + caller.Origin.Hex()))
	})
}

func serve(h http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/entities/x", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	return res
}

func TestAuthenticatorResolvesCaller(t *testing.T) {
	auth, err := NewAuthenticator(AuthConfig{HMACSecret: "secret", Issuer: "ratesd"}, nil)
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	handler := auth.Middleware(callerEcho())

	token, err := IssueToken("secret", updater, relayed, "ratesd", "", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	res := serve(handler, token)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if got, want := res.Body.String(), updater.Hex()+"|"+relayed.Hex(); got != want {
		t.Fatalf("unexpected caller %q want %q", got, want)
	}
}

func TestAuthenticatorAcceptsBech32Subject(t *testing.T) {
	auth, _ := NewAuthenticator(AuthConfig{HMACSecret: "secret"}, nil)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": crypto.FormatIdentity(updater),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	caller, err := auth.Authenticate(token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if caller.Address != updater || caller.Relayed() {
		t.Fatalf("unexpected caller %+v", caller)
	}
}

func TestAuthenticatorRejectsBadTokens(t *testing.T) {
	auth, _ := NewAuthenticator(AuthConfig{HMACSecret: "secret", Issuer: "ratesd"}, nil)
	handler := auth.Middleware(callerEcho())

	if res := serve(handler, ""); res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.Code)
	}
	wrongSecret, _ := IssueToken("other", updater, common.Address{}, "ratesd", "", time.Hour, time.Now())
	if res := serve(handler, wrongSecret); res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong secret, got %d", res.Code)
	}
	wrongIssuer, _ := IssueToken("secret", updater, common.Address{}, "elsewhere", "", time.Hour, time.Now())
	if res := serve(handler, wrongIssuer); res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong issuer, got %d", res.Code)
	}
	expired, _ := IssueToken("secret", updater, common.Address{}, "ratesd", "", time.Minute, time.Now().Add(-time.Hour))
	if res := serve(handler, expired); res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", res.Code)
	}
	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"iss": "ratesd"}).SignedString([]byte("secret"))
	if res := serve(handler, noSubject); res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without subject, got %d", res.Code)
	}
}

func TestAuthenticatorAnonymousPassThrough(t *testing.T) {
	auth, _ := NewAuthenticator(AuthConfig{HMACSecret: "secret", AllowAnonymous: true}, nil)
	res := serve(auth.Middleware(callerEcho()), "")
	if res.Code != http.StatusOK || res.Body.String() != "anonymous" {
		t.Fatalf("expected anonymous pass-through, got %d %q", res.Code, res.Body.String())
	}
	if _, err := NewAuthenticator(AuthConfig{}, nil); err == nil {
		t.Fatalf("expected missing secret error")
	}
}

func TestRateLimiterKeysByCaller(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 1, Burst: 1}, nil)
	auth, _ := NewAuthenticator(AuthConfig{HMACSecret: "secret"}, nil)
	handler := auth.Middleware(limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	first, _ := IssueToken("secret", updater, common.Address{}, "", "", time.Hour, time.Now())
	second, _ := IssueToken("secret", relayed, common.Address{}, "", "", time.Hour, time.Now())

	if res := serve(handler, first); res.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", res.Code)
	}
	if res := serve(handler, first); res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be throttled, got %d", res.Code)
	}
	if res := serve(handler, second); res.Code != http.StatusOK {
		t.Fatalf("expected other caller to have its own budget, got %d", res.Code)
	}
}

func TestRateLimiterEvictsIdleVisitors(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 1, Burst: 1}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }
	if !limiter.obtainLimiter("a").Allow() {
		t.Fatalf("expected first allow")
	}
	now = now.Add(10 * time.Minute)
	limiter.obtainLimiter("b")
	if _, ok := limiter.visitors["a"]; ok {
		t.Fatalf("expected idle visitor to be evicted")
	}
}
