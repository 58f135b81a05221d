package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/erazemk/najdeno/internal/identity"
)

type contextKey string

const (
	claimKey     contextKey = "claim"
	requestIDKey contextKey = "request_id"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// authedHandler handles a request whose caller has been verified. Only
// Gate.Authenticate turns one into an http.Handler.
type authedHandler func(w http.ResponseWriter, r *http.Request, claim identity.Claim)

// Gate verifies callers against the identity service.
type Gate struct {
	verifier identity.Verifier
	logger   *slog.Logger
}

// NewGate returns a gate that checks tokens with verifier.
func NewGate(verifier identity.Verifier, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{verifier: verifier, logger: logger}
}

// Authenticate resolves the request token into a claim before calling next.
// Requests without a token are refused without contacting the identity
// service. Rejected and unverifiable tokens get the same answer.
func (g *Gate) Authenticate(next authedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := requestToken(r)
		if token == "" {
			g.logger.Info("request without token refused",
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", RequestIDFromContext(r.Context()),
			)
			jsonError(w, http.StatusUnauthorized, "missing token")
			return
		}

		claim, err := g.verifier.Verify(r.Context(), token)
		if err != nil {
			log := g.logger.With("request_id", RequestIDFromContext(r.Context()), "path", r.URL.Path)
			if errors.Is(err, identity.ErrInvalidToken) {
				log.Info("token rejected by identity service")
			} else {
				log.Warn("token could not be verified", "error", err)
			}
			jsonError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}

		ctx := context.WithValue(r.Context(), claimKey, claim)
		ctx = identity.ContextWithToken(ctx, token)
		next(w, r.WithContext(ctx), claim)
	})
}

// RequireAdmin refuses callers whose claim lacks the admin role.
func (g *Gate) RequireAdmin(next authedHandler) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, claim identity.Claim) {
		if !claim.IsAdmin() {
			g.logger.Warn("admin operation refused",
				"subject", claim.Subject,
				"role", claim.Role,
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", RequestIDFromContext(r.Context()),
			)
			jsonError(w, http.StatusForbidden, "admin role required")
			return
		}
		next(w, r, claim)
	}
}

// requestToken reads the x-auth-token header, falling back to a bearer
// Authorization header.
func requestToken(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get(identity.TokenHeader)); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

// ClaimFromContext returns the claim attached by the gate.
func ClaimFromContext(ctx context.Context) (identity.Claim, bool) {
	claim, ok := ctx.Value(claimKey).(identity.Claim)
	return claim, ok
}

// RequestIDFromContext returns the id assigned by RequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// RequestID propagates an incoming X-Request-ID or assigns a new one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs HTTP requests with method, path, status, and duration.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.RequestURI(),
				"status", rec.status,
				"duration", time.Since(start).Round(time.Millisecond),
				"request_id", RequestIDFromContext(r.Context()),
			)
		})
	}
}

// Recover turns a panicking handler into a 500 response.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					if v == http.ErrAbortHandler {
						panic(v)
					}
					logger.Error("handler panicked",
						"request_id", RequestIDFromContext(r.Context()),
						"path", r.URL.Path,
						"panic", fmt.Sprint(v),
					)
					w.Header().Set("Connection", "close")
					jsonError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// SecureHeaders sets conservative browser security headers.
func SecureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "deny")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
