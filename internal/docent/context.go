package docent

import "context"

type contextKey string

const (
	keyTenantID contextKey = "docent_tenant_id"
	keyUserID   contextKey = "docent_user_id"
	keyRole     contextKey = "docent_role"
	keyAuthType contextKey = "docent_auth_type"
)

func WithTenantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyTenantID, id)
}

func GetTenantID(ctx context.Context) string {
	if v, ok := ctx.Value(keyTenantID).(string); ok {
		return v
	}
	return ""
}

func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyUserID, id)
}

func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(keyUserID).(string); ok {
		return v
	}
	return ""
}

func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, keyRole, role)
}

func GetRole(ctx context.Context) string {
	if v, ok := ctx.Value(keyRole).(string); ok {
		return v
	}
	return ""
}

func WithAuthType(ctx context.Context, authType string) context.Context {
	return context.WithValue(ctx, keyAuthType, authType)
}

func GetAuthType(ctx context.Context) string {
	if v, ok := ctx.Value(keyAuthType).(string); ok {
		return v
	}
	return ""
}
