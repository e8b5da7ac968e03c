// Package middleware provides HTTP middleware shared by the web service routes.
package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPLimiter limits the request rate of each client address.
type IPLimiter struct {
	mu      sync.Mutex
	clients map[string]*client
	rate    rate.Limit
	burst   int

	// idle is how long an unused client limiter is kept.
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates an IPLimiter allowing r requests per second per address, with bursts of b.
func New(r rate.Limit, b int) *IPLimiter {
	return &IPLimiter{
		clients: make(map[string]*client),
		rate:    r,
		burst:   b,
		idle:    10 * time.Minute,
		now:     time.Now,
	}
}

func (l *IPLimiter) limiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > l.idle {
		for addr, c := range l.clients {
			if now.Sub(c.lastSeen) > l.idle {
				delete(l.clients, addr)
			}
		}
		l.lastSweep = now
	}

	c, ok := l.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter
}

// Limit rejects the requests of an address over its rate with 429 Too Many Requests.
func (l *IPLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			http.Error(w, "Unable to determine IP", http.StatusBadRequest)
			return
		}

		lim := l.limiter(ip)
		if !lim.Allow() {
			if l.rate > 0 {
				interval := time.Duration(float64(time.Second) / float64(l.rate))
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(interval.Seconds()))))
			}
			slog.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
