package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/repogen/appctx"
)

// Alias the shared context key type so existing code keeps working.
type contextKey = appctx.ContextKey

var (
	ContextKeyToken         = appctx.ContextKeyToken
	ContextKeyTenantId      = appctx.ContextKeyTenantId
	ContextKeyActorId       = appctx.ContextKeyActorId
	ContextKeyActorName     = appctx.ContextKeyActorName
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId

	ContextKeyIsAdmin         = appctx.ContextKeyIsAdmin
	ContextKeySkipTenantScope = appctx.ContextKeySkipTenantScope
)

// SystemActorId identifies background workers in audit rows.
const SystemActorId = "system"

// Actor is whoever is responsible for a mutation; it ends up on every audit row.
type Actor struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

func GetTokenFromContext(ctx context.Context) (string, bool) {
	return appctx.Value[string](ctx, ContextKeyToken)
}

func GetTenantIdFromContext(ctx context.Context) (string, bool) {
	return appctx.Value[string](ctx, ContextKeyTenantId)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.Value[string](ctx, ContextKeyCorrelationId)
}

// GetActorFromContext returns the acting identity. ok is false when no actor id was set.
func GetActorFromContext(ctx context.Context) (Actor, bool) {
	id, ok := appctx.Value[string](ctx, ContextKeyActorId)
	if !ok || id == "" {
		return Actor{}, false
	}
	name, _ := appctx.Value[string](ctx, ContextKeyActorName)
	return Actor{Id: id, Name: name}, true
}

func IsAdminContext(ctx context.Context) bool {
	return appctx.Flag(ctx, ContextKeyIsAdmin)
}

func SetTokenInContext(ctx context.Context, token string) context.Context {
	return appctx.With(ctx, ContextKeyToken, token)
}

func SetTenantIdInContext(ctx context.Context, tenantId string) context.Context {
	return appctx.With(ctx, ContextKeyTenantId, tenantId)
}

func SetActorInContext(ctx context.Context, actor Actor) context.Context {
	ctx = appctx.With(ctx, ContextKeyActorId, actor.Id)
	return appctx.With(ctx, ContextKeyActorName, actor.Name)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.With(ctx, ContextKeyCorrelationId, correlationId)
}

func SetAdminInContext(ctx context.Context, isAdmin bool) context.Context {
	return appctx.With(ctx, ContextKeyIsAdmin, isAdmin)
}

func SetSkipTenantScopeInContext(ctx context.Context) context.Context {
	return appctx.With(ctx, ContextKeySkipTenantScope, true)
}

// SystemContext is the context background workers run with: system actor, all tenants visible.
func SystemContext(parent context.Context) context.Context {
	ctx := SetActorInContext(parent, Actor{Id: SystemActorId, Name: "System"})
	return SetSkipTenantScopeInContext(ctx)
}
