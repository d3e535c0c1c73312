package api

import (
	"net"
	"net/http"
	"strings"
	"sync"

	echo "github.com/labstack/echo/v5"
	"golang.org/x/time/rate"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// countRequests feeds the /telemetry request counter.
func (s *Server) countRequests() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			s.requestsServed.Add(1)
			return next(c)
		}
	}
}

// bearerAuth rejects requests without the configured bearer token. With an
// empty token the API is open (dev mode). 401 is one of the two permitted
// non-2xx responses.
func bearerAuth(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if token == "" {
				return next(c)
			}
			// Probes must be able to reach /health without credentials.
			if c.Request().URL.Path == "/health" {
				return next(c)
			}
			header := c.Request().Header.Get("Authorization")
			if header == "Bearer "+token {
				return next(c)
			}
			// Browsers cannot set headers on WebSocket dials; accept the
			// token as a query parameter there.
			if c.Request().URL.Path == "/v1/ws" && c.QueryParam("token") == token {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid bearer token")
		}
	}
}

// rateLimitMiddleware applies a per-client-IP request budget. 429 is the
// other permitted non-2xx response.
func rateLimitMiddleware(perMinute int) echo.MiddlewareFunc {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)
	limiterFor := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[ip]
		if !ok {
			l = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
			limiters[ip] = l
		}
		return l
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if perMinute <= 0 {
				return next(c)
			}
			ip, _, err := net.SplitHostPort(c.Request().RemoteAddr)
			if err != nil {
				ip = c.Request().RemoteAddr
			}
			if !limiterFor(ip).Allow() {
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

// corsMiddleware reflects allowed origins and answers preflights.
func corsMiddleware(origins []string) echo.MiddlewareFunc {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[strings.TrimRight(o, "/")] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			origin := c.Request().Header.Get("Origin")
			h := c.Response().Header()
			if origin != "" && (allowAll || allowed[strings.TrimRight(origin, "/")]) {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			}
			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusNoContent)
			}
			return next(c)
		}
	}
}
