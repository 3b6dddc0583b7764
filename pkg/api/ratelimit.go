package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	rateLimitCleanupInterval = 5 * time.Minute
	rateLimitEntryTTL        = 10 * time.Minute
)

// Request classes with separate budgets. Ledger queries are small JSON
// documents; report artifacts are rendered plots read from the object store.
const (
	budgetQuery  = "query"
	budgetReport = "report"
)

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// budget holds one token bucket per client for a request class.
type budget struct {
	class string
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*clientBucket
	done    chan struct{}
	once    sync.Once
}

func newBudget(class string, requestsPerMinute int) *budget {
	b := &budget{
		class:   class,
		rps:     rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   requestsPerMinute,
		clients: make(map[string]*clientBucket, 64),
		done:    make(chan struct{}),
	}

	go b.cleanup()

	return b
}

// reserve takes a token for client. It returns zero when the request may
// proceed, otherwise how long the client has to wait.
func (b *budget) reserve(client string, now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.clients[client]
	if !ok {
		entry = &clientBucket{limiter: rate.NewLimiter(b.rps, b.burst)}
		b.clients[client] = entry
	}

	entry.lastSeen = now

	res := entry.limiter.ReserveN(now, 1)
	if !res.OK() {
		return rateLimitEntryTTL
	}

	delay := res.DelayFrom(now)
	if delay > 0 {
		res.CancelAt(now)
	}

	return delay
}

func (b *budget) cleanup() {
	ticker := time.NewTicker(rateLimitCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
		}

		b.mu.Lock()

		for client, entry := range b.clients {
			if time.Since(entry.lastSeen) > rateLimitEntryTTL {
				delete(b.clients, client)
			}
		}

		b.mu.Unlock()
	}
}

func (b *budget) stop() {
	b.once.Do(func() { close(b.done) })
}

// rateLimitMiddleware limits a request class per client. Rejected requests
// get 429 with a Retry-After header in whole seconds.
func (s *server) rateLimitMiddleware(class string, requestsPerMinute int) func(http.Handler) http.Handler {
	b := newBudget(class, requestsPerMinute)
	s.limiters = append(s.limiters, b)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := s.clientKey(r)

			if wait := b.reserve(client, time.Now()); wait > 0 {
				retry := int(math.Ceil(wait.Seconds()))

				s.log.WithField("client", client).
					WithField("class", b.class).
					WithField("path", r.URL.Path).
					WithField("retry_after", retry).
					Debug("Request rate limited")

				w.Header().Set("Retry-After", strconv.Itoa(retry))
				writeJSON(w, http.StatusTooManyRequests, errorResponse{b.class + " rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientKey identifies the budget owner. Authenticated users are limited
// per user, so dashboards behind one proxy do not share a budget.
func (s *server) clientKey(r *http.Request) string {
	if s.cfg.Auth.Basic.Enabled {
		if user, _, ok := r.BasicAuth(); ok {
			return "user:" + user
		}
	}

	return "ip:" + extractIP(r)
}

// extractIP returns the client's IP address from the request.
func extractIP(r *http.Request) string {
	// Check X-Forwarded-For first (common with reverse proxies).
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")

		return strings.TrimSpace(first)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}
