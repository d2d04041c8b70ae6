package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const queryKey contextKey = "required_query"

// RequireQuery rejects requests that lack any of the named query parameters
// (after trimming) with 400. Handlers read the trimmed values with Param.
func RequireQuery(names ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			values := make(map[string]string, len(names))
			for _, name := range names {
				v := strings.TrimSpace(q.Get(name))
				if v == "" {
					http.Error(w, name+" required", http.StatusBadRequest)
					return
				}
				values[name] = v
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), queryKey, values)))
		})
	}
}

// Param returns a value validated by RequireQuery.
func Param(r *http.Request, name string) string {
	values, _ := r.Context().Value(queryKey).(map[string]string)
	return values[name]
}
