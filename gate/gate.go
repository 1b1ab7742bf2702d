package gate

import (
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"

	"feedrelay/limiter"
	"feedrelay/rules"
)

// Gate enforces limiter rules at the edge of a request. It attaches
// the X-RateLimit-* headers on every gated response and short-circuits
// denials with a structured 429.
type Gate struct {
	limiter *limiter.Limiter
	logger  *log.Logger
}

func New(lim *limiter.Limiter) *Gate {
	return &Gate{
		limiter: lim,
		logger:  log.Default(),
	}
}

func (g *Gate) SetLogger(logger *log.Logger) {
	g.logger = logger
}

// Middleware gates a handler with one rule.
func (g *Gate) Middleware(rule rules.Rule) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.admit(w, r, rule) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// admit runs the check, writes the observability headers, and on
// denial writes the 429 response. Reports whether the request may
// proceed.
func (g *Gate) admit(w http.ResponseWriter, r *http.Request, rule rules.Rule) bool {
	key := rule.Key(r)
	dec := g.limiter.Check(r.Context(), key, rule.Policy())

	if dec.Degraded {
		g.logger.Printf("rate limiter degraded for rule %s key %s, fail mode applied", rule.Name, key)
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Total))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(dec.ResetSeconds))

	if dec.Allowed {
		return true
	}

	w.Header().Set("Retry-After", strconv.Itoa(dec.ResetSeconds))
	writeTooManyRequests(w, rule.Message, dec.ResetSeconds)
	return false
}

type tooManyRequests struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
}

func writeTooManyRequests(w http.ResponseWriter, message string, retryAfter int) {
	if message == "" {
		message = fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", retryAfter)
	}

	body, err := sonic.Marshal(tooManyRequests{
		Error:      "Too Many Requests",
		Message:    message,
		RetryAfter: retryAfter,
	})
	if err != nil {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write(body)
}
