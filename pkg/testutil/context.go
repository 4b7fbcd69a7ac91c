package testutil

import (
	"context"
	"net/http"

	authmw "consentline/pkg/platform/middleware/auth"
)

// WithOperator adds an authenticated operator to the request context, as
// the bearer middleware would.
func WithOperator(req *http.Request, operator string) *http.Request {
	ctx := context.WithValue(req.Context(), authmw.ContextKeyOperator, operator)
	return req.WithContext(ctx)
}

// WithBearer sets the Authorization header.
func WithBearer(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}
