package rules

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"feedrelay/config"
)

func defaultConfig() config.RulesConfig {
	return config.RulesConfig{
		LoginWindow:    15 * time.Minute,
		LoginMax:       5,
		QueryWindow:    time.Minute,
		QueryMax:       100,
		MutationWindow: time.Minute,
		MutationMax:    50,
	}
}

func TestDefaultRegistry(t *testing.T) {
	t.Parallel()

	reg := Default(defaultConfig())
	require.Equal(t, []string{GraphQLMutation, GraphQLQuery, Login}, reg.Names())

	login, ok := reg.Lookup(Login)
	require.True(t, ok)
	require.Equal(t, 15*time.Minute, login.Window)
	require.Equal(t, 5, login.MaxRequests)

	query, ok := reg.Lookup(GraphQLQuery)
	require.True(t, ok)
	require.Equal(t, 100, query.MaxRequests)

	mutation, ok := reg.Lookup(GraphQLMutation)
	require.True(t, ok)
	require.Equal(t, 50, mutation.MaxRequests)
}

func TestLookupReturnsCopy(t *testing.T) {
	t.Parallel()

	reg := Default(defaultConfig())

	rule, ok := reg.Lookup(Login)
	require.True(t, ok)
	rule.MaxRequests = 999

	again, ok := reg.Lookup(Login)
	require.True(t, ok)
	require.Equal(t, 5, again.MaxRequests, "mutating a looked-up rule must not touch the registry")
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()

	cases := []struct {
		name string
		rule Rule
	}{
		{"missing name", Rule{Window: time.Minute, MaxRequests: 1, Key: LoginKey}},
		{"zero window", Rule{Name: "x", MaxRequests: 1, Key: LoginKey}},
		{"negative max", Rule{Name: "x", Window: time.Minute, MaxRequests: -1, Key: LoginKey}},
		{"missing key func", Rule{Name: "x", Window: time.Minute, MaxRequests: 1}},
	}
	for _, tc := range cases {
		require.Error(t, reg.Register(tc.rule), tc.name)
	}

	require.NoError(t, reg.Register(Rule{
		Name:        "upload",
		Window:      time.Minute,
		MaxRequests: 10,
		Key:         UserOrIPKey("upload"),
	}))
	_, ok := reg.Lookup("upload")
	require.True(t, ok)
}

func TestLoginKeyUsesCredentialAndIP(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("POST", "/auth/login", strings.NewReader(`{"username":"alice"}`))
	r.RemoteAddr = "10.0.0.7:51234"
	require.Equal(t, "login:alice:10.0.0.7", LoginKey(r))

	r = httptest.NewRequest("POST", "/auth/login", strings.NewReader(`{"email":"alice@example.com"}`))
	r.RemoteAddr = "10.0.0.7:51234"
	require.Equal(t, "login:alice@example.com:10.0.0.7", LoginKey(r))

	r = httptest.NewRequest("POST", "/auth/login", strings.NewReader(`{}`))
	r.RemoteAddr = "10.0.0.7:51234"
	require.Equal(t, "login:anonymous:10.0.0.7", LoginKey(r))
}

func TestLoginKeyPreservesBody(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("POST", "/auth/login", strings.NewReader(`{"username":"alice"}`))
	_ = LoginKey(r)

	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	require.JSONEq(t, `{"username":"alice"}`, string(body))
}

func TestUserOrIPKey(t *testing.T) {
	t.Parallel()

	keyFn := UserOrIPKey("graphql:query")

	r := httptest.NewRequest("POST", "/graphql", nil)
	r.Header.Set("X-User-ID", "42")
	require.Equal(t, "graphql:query:42", keyFn(r))

	r = httptest.NewRequest("POST", "/graphql", nil)
	r.RemoteAddr = "192.0.2.9:1024"
	require.Equal(t, "graphql:query:192.0.2.9", keyFn(r))
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "127.0.0.1:8080"
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	require.Equal(t, "203.0.113.5", ClientIP(r))

	r = httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "127.0.0.1:8080"
	r.Header.Set("X-Real-IP", "203.0.113.6")
	require.Equal(t, "203.0.113.6", ClientIP(r))

	r = httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "127.0.0.1:8080"
	require.Equal(t, "127.0.0.1", ClientIP(r))
}
