package middleware

import (
	"net/http"
	"net/url"
	"strings"
)

// StripEmptyQueryParams trims query values and drops the ones left blank,
// so "?offset=&limit=5" pages like "?limit=5".
func StripEmptyQueryParams() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.RawQuery != "" {
				r.URL.RawQuery = stripEmpty(r.URL.Query()).Encode()
			}
			next.ServeHTTP(w, r)
		})
	}
}

func stripEmpty(q url.Values) url.Values {
	filtered := make(url.Values, len(q))
	for k, vs := range q {
		for _, v := range vs {
			if v = strings.TrimSpace(v); v != "" {
				filtered[k] = append(filtered[k], v)
			}
		}
	}
	return filtered
}
