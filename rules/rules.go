package rules

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jinzhu/copier"

	"feedrelay/config"
	"feedrelay/limiter"
)

// Built-in rule names. Gating a new operation is one Register call;
// nothing else changes.
const (
	Login           = "login"
	GraphQLQuery    = "graphql.query"
	GraphQLMutation = "graphql.mutation"
)

// KeyFunc derives the rate key for an inbound request.
type KeyFunc func(r *http.Request) string

// Rule binds a logical operation to a limiter policy and the key
// generator that identifies the caller.
type Rule struct {
	Name        string
	Window      time.Duration
	MaxRequests int
	Message     string
	Key         KeyFunc
}

// Policy returns the limiter policy of the rule.
func (r Rule) Policy() limiter.Policy {
	return limiter.Policy{
		Window:      r.Window,
		MaxRequests: r.MaxRequests,
		Message:     r.Message,
	}
}

// Registry maps logical operation names to rules. Rules are declared
// at startup and never mutated afterwards; Lookup hands out copies so
// callers cannot reach the registered entry.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Rule)}
}

func (reg *Registry) Register(rule Rule) error {
	if rule.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if rule.Window <= 0 {
		return fmt.Errorf("rule %s: window must be positive", rule.Name)
	}
	if rule.MaxRequests < 0 {
		return fmt.Errorf("rule %s: max requests must not be negative", rule.Name)
	}
	if rule.Key == nil {
		return fmt.Errorf("rule %s: key generator is required", rule.Name)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.rules[rule.Name] = rule
	return nil
}

func (reg *Registry) Lookup(name string) (Rule, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	rule, ok := reg.rules[name]
	if !ok {
		return Rule{}, false
	}

	other := Rule{}
	if err := copier.Copy(&other, &rule); err != nil {
		return rule, true
	}
	return other, true
}

func (reg *Registry) Names() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	names := make([]string, 0, len(reg.rules))
	for name := range reg.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default builds the registry with the built-in rules: login keyed by
// credential + source IP, GraphQL queries and mutations keyed by
// authenticated user or source IP.
func Default(cfg config.RulesConfig) *Registry {
	reg := NewRegistry()

	mustRegister(reg, Rule{
		Name:        Login,
		Window:      cfg.LoginWindow,
		MaxRequests: cfg.LoginMax,
		Message:     fmt.Sprintf("Too many failed login attempts. Please try again in %d minutes.", int(cfg.LoginWindow.Minutes())),
		Key:         LoginKey,
	})
	mustRegister(reg, Rule{
		Name:        GraphQLQuery,
		Window:      cfg.QueryWindow,
		MaxRequests: cfg.QueryMax,
		Message:     "Too many GraphQL queries",
		Key:         UserOrIPKey("graphql:query"),
	})
	mustRegister(reg, Rule{
		Name:        GraphQLMutation,
		Window:      cfg.MutationWindow,
		MaxRequests: cfg.MutationMax,
		Message:     "Too many GraphQL mutations",
		Key:         UserOrIPKey("graphql:mutation"),
	})

	return reg
}

func mustRegister(reg *Registry, rule Rule) {
	if err := reg.Register(rule); err != nil {
		panic(err)
	}
}
