package auth

import (
	"math"
	"net/http"
	"strconv"

	"mlpipeline/webui"

	"go.uber.org/zap"
)

// DefaultRealm is sent in the WWW-Authenticate challenge.
const DefaultRealm = "mlpipeline"

// BasicAuth is an organism that protects web UI routes with HTTP basic
// authentication against a bcrypt hash.
//
// Organism composition:
//   - password hash (password.go) for credential verification
//   - webui.RateLimiter for brute force protection per client IP
//   - zap.Logger for structured logging
//
// The user name is ignored; only the password is checked.
type BasicAuth struct {
	passwordHash string
	realm        string
	limiter      *webui.RateLimiter
	logger       *zap.Logger
}

// New hashes password and returns a BasicAuth using limiter. A nil
// limiter uses webui.DefaultRateLimiter.
func New(password string, limiter *webui.RateLimiter, logger *zap.Logger) (*BasicAuth, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	return NewWithHash(hash, limiter, logger), nil
}

// NewWithHash is New for an already hashed password.
func NewWithHash(hash string, limiter *webui.RateLimiter, logger *zap.Logger) *BasicAuth {
	if limiter == nil {
		limiter = webui.DefaultRateLimiter()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BasicAuth{
		passwordHash: hash,
		realm:        DefaultRealm,
		limiter:      limiter,
		logger:       logger,
	}
}

// Middleware implements webui.AuthProvider.
func (a *BasicAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := webui.ClientIP(r)

		if ok, retryAfter := a.limiter.Allow(ip); !ok {
			secs := int(math.Ceil(retryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			http.Error(w, "too many failed attempts", http.StatusTooManyRequests)
			a.logger.Warn("Auth request blocked", zap.String("ip", ip), zap.Int("retry_after_s", secs))
			return
		}

		_, password, hasAuth := r.BasicAuth()
		if !hasAuth {
			a.challenge(w)
			return
		}
		if err := VerifyPassword(password, a.passwordHash); err != nil {
			a.limiter.RecordAttempt(ip)
			a.logger.Warn("Auth failed",
				zap.String("ip", ip),
				zap.Int("attempts", a.limiter.AttemptCount(ip)))
			a.challenge(w)
			return
		}

		a.limiter.Reset(ip)
		next.ServeHTTP(w, r)
	})
}

func (a *BasicAuth) challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="`+a.realm+`", charset="UTF-8"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
