package gate

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"

	"feedrelay/rules"
)

// GraphQL gates a GraphQL endpoint, picking the mutation or query rule
// per request. Classification is textual: a document whose query text
// begins with the mutation keyword is a mutation, everything else
// counts as a query. Requests without a query field bypass limiting.
func (g *Gate) GraphQL(reg *rules.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body := restoreBody(r)

			var doc struct {
				Query string `json:"query"`
			}
			if len(body) > 0 {
				_ = sonic.Unmarshal(body, &doc)
			}

			if doc.Query == "" {
				next.ServeHTTP(w, r)
				return
			}

			name := rules.GraphQLQuery
			if strings.HasPrefix(strings.TrimSpace(doc.Query), "mutation") {
				name = rules.GraphQLMutation
			}

			rule, ok := reg.Lookup(name)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			if !g.admit(w, r, rule) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// restoreBody reads the request body and replaces it with a rewindable
// copy so the downstream handler can read it again.
func restoreBody(r *http.Request) []byte {
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
