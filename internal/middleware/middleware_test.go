package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func echoCaller() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(Caller(r.Context())))
	})
}

func sign(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestAuthenticator_DevHeader(t *testing.T) {
	h := NewAuthenticator(AuthConfig{}).Middleware(echoCaller())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(DevCallerHeader, "alice")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Body.String() != "alice" {
		t.Errorf("expected alice, got %q", w.Body.String())
	}
}

func TestAuthenticator_JWT(t *testing.T) {
	const secret = "s3cret"
	h := NewAuthenticator(AuthConfig{HMACSecret: secret, Issuer: "fund"}).Middleware(echoCaller())
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantCaller string
	}{
		{"valid", "Bearer " + sign(t, secret, jwt.MapClaims{"sub": "bob", "iss": "fund", "exp": exp}), http.StatusOK, "bob"},
		{"anonymous", "", http.StatusOK, ""},
		{"wrong secret", "Bearer " + sign(t, "other", jwt.MapClaims{"sub": "bob", "iss": "fund", "exp": exp}), http.StatusUnauthorized, ""},
		{"wrong issuer", "Bearer " + sign(t, secret, jwt.MapClaims{"sub": "bob", "iss": "x", "exp": exp}), http.StatusUnauthorized, ""},
		{"expired", "Bearer " + sign(t, secret, jwt.MapClaims{"sub": "bob", "iss": "fund", "exp": time.Now().Add(-time.Hour).Unix()}), http.StatusUnauthorized, ""},
		{"no subject", "Bearer " + sign(t, secret, jwt.MapClaims{"iss": "fund", "exp": exp}), http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			req.Header.Set(DevCallerHeader, "mallory")
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, w.Code)
			}
			if tt.wantStatus == http.StatusOK && w.Body.String() != tt.wantCaller {
				t.Errorf("expected caller %q, got %q", tt.wantCaller, w.Body.String())
			}
		})
	}
}

func TestRateLimiter_PerClient(t *testing.T) {
	l := NewRateLimiter(RateLimit{RequestsPerMinute: 1, Burst: 2})
	h := l.Middleware(echoCaller())

	codes := func(ip string, n int) []int {
		var out []int
		for i := 0; i < n; i++ {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("X-Real-IP", ip)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			out = append(out, w.Code)
		}
		return out
	}

	got := codes("10.0.0.1", 3)
	if got[0] != http.StatusOK || got[1] != http.StatusOK || got[2] != http.StatusTooManyRequests {
		t.Errorf("unexpected codes %v", got)
	}
	if got := codes("10.0.0.2", 1); got[0] != http.StatusOK {
		t.Errorf("second client throttled: %v", got)
	}
}

func TestRateLimiter_Sweep(t *testing.T) {
	now := time.Now()
	l := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 1})
	l.now = func() time.Time { return now }
	l.limiter("a")
	now = now.Add(10 * time.Minute)
	l.limiter("b")

	if n := l.Sweep(5 * time.Minute); n != 1 {
		t.Errorf("expected 1 swept, got %d", n)
	}
	if _, ok := l.visitors["b"]; !ok {
		t.Error("active client swept")
	}
}

func TestClientID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientID(req); got != "203.0.113.7" {
		t.Errorf("expected first forwarded address, got %s", got)
	}
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	if got := clientID(req); got != "192.0.2.1" {
		t.Errorf("expected remote host, got %s", got)
	}
}
