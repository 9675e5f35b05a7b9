// Package auth resolves and checks the shared credential a gateway presents
// when it opens a media stream.
package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// ParseBearer extracts the bearer token from an Authorization header.
func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// Verify checks a presented token against the configured gateway token set.
func Verify(token string, allowed map[string]struct{}) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("missing gateway token")
	}
	if _, ok := allowed[token]; !ok {
		return fmt.Errorf("invalid gateway token")
	}
	return nil
}
