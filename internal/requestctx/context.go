// Package requestctx provides request-scoped values (e.g. the authenticated
// operator) set by middleware.
package requestctx

import "context"

type contextKey struct{}

var operatorKey = &contextKey{}

// SetOperator stores the authenticated operator name in the context.
func SetOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey, operator)
}

// Operator returns the operator name from context, or "" if not set.
func Operator(ctx context.Context) string {
	v, _ := ctx.Value(operatorKey).(string)
	return v
}
