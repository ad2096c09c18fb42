package obs

import "context"

type routePatternKey struct{}

// WithRoutePattern stores the matched chi route pattern so metrics and spans
// label by pattern instead of raw path, keeping cardinality bounded for
// routes like /payments/{orderRef}/status.
func WithRoutePattern(ctx context.Context, pattern string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, routePatternKey{}, pattern)
}

// RoutePatternFromContext returns the stored pattern, or empty.
func RoutePatternFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(routePatternKey{}).(string)
	return v
}
