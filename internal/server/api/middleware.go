package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"assetboard/internal/server/service"
	"assetboard/internal/server/session"

	"github.com/labstack/echo/v4"
)

const (
	sessionKey  = "session"
	clientIPKey = "client_ip"
)

// ClientIP returns the requester's address. With trustHeaders it prefers the
// Client-IP header, then the first X-Forwarded-For entry. Both are set by
// the client and can be spoofed.
func ClientIP(r *http.Request, trustHeaders bool) string {
	if trustHeaders {
		if ip := strings.TrimSpace(r.Header.Get("Client-IP")); ip != "" {
			return ip
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// visitor tracks the rate limit state for a single IP.
type visitor struct {
	tokens    float64
	lastCheck time.Time
}

// RateLimiter is a per-IP token-bucket rate limiter.
type RateLimiter struct {
	mu           sync.Mutex
	visitors     map[string]*visitor
	rate         float64 // tokens per second
	burst        int     // max tokens
	trustHeaders bool
	done         chan struct{}
}

// NewRateLimiter creates a rate limiter with the given rate (requests/sec) and burst size.
// Stale entries are swept until ctx is cancelled.
func NewRateLimiter(ctx context.Context, rps float64, burst int, trustHeaders bool) *RateLimiter {
	rl := &RateLimiter{
		visitors:     make(map[string]*visitor),
		rate:         rps,
		burst:        burst,
		trustHeaders: trustHeaders,
		done:         make(chan struct{}),
	}

	// Clean up stale entries every 5 minutes
	go func() {
		defer close(rl.done)
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.cleanup()
			}
		}
	}()

	return rl
}

// Middleware returns an echo middleware function that enforces rate limits.
func (rl *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := ClientIP(c.Request(), rl.trustHeaders)
			if !rl.allow(ip) {
				slog.Warn("rate limit exceeded", "ip", ip)
				return c.String(http.StatusTooManyRequests, "Too many uploads, try again later.")
			}
			return next(c)
		}
	}
}

func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	now := time.Now()

	if !exists {
		rl.visitors[ip] = &visitor{
			tokens:    float64(rl.burst) - 1,
			lastCheck: now,
		}
		return true
	}

	// Add tokens based on elapsed time
	elapsed := now.Sub(v.lastCheck).Seconds()
	v.tokens += elapsed * rl.rate
	if v.tokens > float64(rl.burst) {
		v.tokens = float64(rl.burst)
	}
	v.lastCheck = now

	if v.tokens < 1 {
		return false
	}

	v.tokens--
	return true
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-10 * time.Minute)
	for ip, v := range rl.visitors {
		if v.lastCheck.Before(cutoff) {
			delete(rl.visitors, ip)
		}
	}
}

// RequestLogger returns an echo middleware that logs requests using slog.
func RequestLogger(trustHeaders bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			slog.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"latency_ms", time.Since(start).Milliseconds(),
				"ip", ClientIP(req, trustHeaders),
				"user_agent", req.UserAgent(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}

// SessionMiddleware opens the caller's session for the duration of the
// request and saves it afterwards. Requests sharing a session run one at a
// time.
func SessionMiddleware(sessions *session.Manager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()

			sess, release, err := sessions.Open(ctx, c.Response(), c.Request())
			if err != nil {
				slog.Error("failed to open session", "error", err)
				return c.String(http.StatusServiceUnavailable, "Session storage unavailable.")
			}
			defer release()

			c.Set(sessionKey, sess)
			err = next(c)

			// the client may be gone after a download; keep the counter anyway
			if saveErr := sessions.Save(context.WithoutCancel(ctx), sess); saveErr != nil {
				slog.Error("failed to save session", "session_id", sess.ID, "error", saveErr)
			}
			return err
		}
	}
}

// ModerationGate rejects requests from IPs with an active ban before any
// other processing happens.
func ModerationGate(svc *service.AssetService, trustHeaders bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := ClientIP(c.Request(), trustHeaders)
			c.Set(clientIPKey, ip)

			sess := sessionFrom(c)
			if remaining, banned := svc.CheckBan(sess, ip); banned {
				minutes, seconds := service.SplitRemaining(remaining)
				slog.Info("banned ip rejected", "ip", ip, "remaining", remaining)
				return c.Render(http.StatusForbidden, "banned.html", bannedPage{
					Minutes: minutes,
					Seconds: seconds,
				})
			}
			return next(c)
		}
	}
}

func sessionFrom(c echo.Context) *session.Session {
	sess, _ := c.Get(sessionKey).(*session.Session)
	return sess
}

func clientIPFrom(c echo.Context) string {
	ip, _ := c.Get(clientIPKey).(string)
	return ip
}
