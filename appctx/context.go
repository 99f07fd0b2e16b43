package appctx

import "context"

// ContextKey types every request-scoped value. It lives in its own package
// so config and utils can both read the keys.
type ContextKey string

func (c ContextKey) String() string { return "repogen:" + string(c) }

var (
	ContextKeyToken         = ContextKey("token")
	ContextKeyTenantId      = ContextKey("tenant_id")
	ContextKeyActorId       = ContextKey("actor_id")
	ContextKeyActorName     = ContextKey("actor_name")
	ContextKeyCorrelationId = ContextKey("correlation_id")

	// operator tokens; may read and replay across tenants
	ContextKeyIsAdmin = ContextKey("is_admin")

	// workers claim jobs of every tenant
	ContextKeySkipTenantScope = ContextKey("skip_tenant_scope")
)

// Value reads key as a T. ok is false when unset or of another type.
func Value[T any](ctx context.Context, key ContextKey) (v T, ok bool) {
	v, ok = ctx.Value(key).(T)
	return v, ok
}

// Flag reports whether a boolean key is set to true.
func Flag(ctx context.Context, key ContextKey) bool {
	v, _ := Value[bool](ctx, key)
	return v
}

func With(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}
