package gateway

import "context"

type ctxKey string

const actorKey ctxKey = "actor"

// withActor records who made a request, used in permission audit entries.
func withActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

func actorFromContext(ctx context.Context) string {
	if ctx == nil {
		return "unknown"
	}
	if value, ok := ctx.Value(actorKey).(string); ok && value != "" {
		return value
	}
	return "unknown"
}
