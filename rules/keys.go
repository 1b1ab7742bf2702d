package rules

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
)

// LoginKey keys login attempts by the credential being tried plus the
// source IP, so one address cannot burn through attempts for many
// accounts nor one account be locked out from everywhere at once.
func LoginKey(r *http.Request) string {
	identity := "anonymous"

	var creds struct {
		Username string `json:"username"`
		Email    string `json:"email"`
	}
	if body := peekBody(r); len(body) > 0 {
		if err := sonic.Unmarshal(body, &creds); err == nil {
			switch {
			case creds.Username != "":
				identity = creds.Username
			case creds.Email != "":
				identity = creds.Email
			}
		}
	}

	return "login:" + identity + ":" + ClientIP(r)
}

// UserOrIPKey keys by the authenticated user id when present, falling
// back to the source IP for anonymous traffic.
func UserOrIPKey(prefix string) KeyFunc {
	return func(r *http.Request) string {
		if uid := strings.TrimSpace(r.Header.Get("X-User-ID")); uid != "" {
			return prefix + ":" + uid
		}
		return prefix + ":" + ClientIP(r)
	}
}

// ClientIP resolves the caller address: first X-Forwarded-For entry,
// then X-Real-IP, then the connection's remote address.
func ClientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}

	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// peekBody reads the request body and puts it back so the downstream
// handler still sees it.
func peekBody(r *http.Request) []byte {
	if r.Body == nil {
		return nil
	}
	body, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		r.Body = io.NopCloser(bytes.NewReader(nil))
		return nil
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body
}
