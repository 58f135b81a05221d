// Package identitytest provides a fake identity service for tests. It issues
// HS256 tokens and answers the verify-token and user lookup endpoints the
// item service calls.
package identitytest

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/erazemk/najdeno/internal/model"
)

// Mode selects how the fake answers verify-token calls.
type Mode int32

const (
	// ModeNormal validates tokens and answers truthfully.
	ModeNormal Mode = iota
	// ModeDown answers every call with 503.
	ModeDown
	// ModeMalformed answers 200 with a body that is not JSON.
	ModeMalformed
)

// TokenExpiry is the lifetime of issued tokens.
const TokenExpiry = time.Hour

// Claims are the JWT claims of an issued token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authority is a running fake identity service.
type Authority struct {
	server *httptest.Server
	secret []byte

	mu    sync.Mutex
	users map[string]model.Reporter
	delay time.Duration

	mode        atomic.Int32
	verifyCalls atomic.Int64
	lookupCalls atomic.Int64
}

// NewAuthority starts a fake identity service that shuts down with t.
func NewAuthority(t testing.TB) *Authority {
	t.Helper()

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("generating signing key: %v", err)
	}

	a := &Authority{
		secret: []byte(hex.EncodeToString(buf)),
		users:  make(map[string]model.Reporter),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/auth/verify-token", a.verify)
	mux.HandleFunc("GET /api/auth/users", a.lookup)
	a.server = httptest.NewServer(mux)
	t.Cleanup(a.server.Close)

	return a
}

// URL is the base URL of the fake service.
func (a *Authority) URL() string {
	return a.server.URL
}

// SetMode switches the failure mode.
func (a *Authority) SetMode(m Mode) {
	a.mode.Store(int32(m))
}

// SetDelay makes every verify-token call sleep for d before answering.
func (a *Authority) SetDelay(d time.Duration) {
	a.mu.Lock()
	a.delay = d
	a.mu.Unlock()
}

// VerifyCalls reports how many verify-token requests were received.
func (a *Authority) VerifyCalls() int64 {
	return a.verifyCalls.Load()
}

// LookupCalls reports how many user lookup requests were received.
func (a *Authority) LookupCalls() int64 {
	return a.lookupCalls.Load()
}

// AddUser registers a profile returned by the lookup endpoint.
func (a *Authority) AddUser(r model.Reporter) {
	a.mu.Lock()
	a.users[r.ID] = r
	a.mu.Unlock()
}

// Issue signs a token for subject with role. Any role string is accepted so
// tests can exercise roles the item service does not know.
func (a *Authority) Issue(t testing.TB, subject string, role model.Role) string {
	t.Helper()

	now := time.Now()
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func (a *Authority) parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

func (a *Authority) verify(w http.ResponseWriter, r *http.Request) {
	a.verifyCalls.Add(1)

	a.mu.Lock()
	delay := a.delay
	a.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	switch Mode(a.mode.Load()) {
	case ModeDown:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"msg": "Server Error"})
		return
	case ModeMalformed:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "{not json")
		return
	}

	claims, err := a.parse(r.Header.Get("x-auth-token"))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"msg": "Token is not valid"})
		return
	}

	a.mu.Lock()
	profile := a.users[claims.Subject]
	a.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"id":    claims.Subject,
		"role":  claims.Role,
		"name":  profile.Name,
		"email": profile.Email,
	})
}

func (a *Authority) lookup(w http.ResponseWriter, r *http.Request) {
	a.lookupCalls.Add(1)

	if Mode(a.mode.Load()) == ModeDown {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"msg": "Server Error"})
		return
	}
	if _, err := a.parse(r.Header.Get("x-auth-token")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"msg": "Token is not valid"})
		return
	}

	profiles := []model.Reporter{}
	a.mu.Lock()
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if p, ok := a.users[id]; ok {
			profiles = append(profiles, p)
		}
	}
	a.mu.Unlock()

	writeJSON(w, http.StatusOK, profiles)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
