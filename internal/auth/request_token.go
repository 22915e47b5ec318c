package auth

import (
	"net/http"
	"strings"
)

// AccessTokenQueryParam carries the bearer token for clients that cannot set
// headers, such as EventSource streams.
const AccessTokenQueryParam = "access_token"

// TokenFromRequest extracts a bearer token from the Authorization header, or
// from the access_token query parameter when allowQuery is set.
func TokenFromRequest(r *http.Request, allowQuery bool) (string, error) {
	if r == nil {
		return "", ErrMissingToken
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", ErrInvalidToken
		}
		return strings.TrimSpace(token), nil
	}
	if allowQuery {
		if token := strings.TrimSpace(r.URL.Query().Get(AccessTokenQueryParam)); token != "" {
			return token, nil
		}
	}
	return "", ErrMissingToken
}
