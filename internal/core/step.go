package core

import "context"

// Variables provides shared state between the steps of one user.
type Variables interface {
	Get(key string) (any, bool)
	Set(key string, value any)
}

// MapVariables is a simple map-based Variables implementation. It is owned
// by a single user goroutine and is not safe for concurrent use.
type MapVariables struct {
	data map[string]any
}

func NewVariables() *MapVariables {
	return &MapVariables{data: make(map[string]any)}
}

// VariablesFromArguments seeds Variables with resolved run arguments.
func VariablesFromArguments(args map[string]string) *MapVariables {
	v := &MapVariables{data: make(map[string]any, len(args))}
	for k, val := range args {
		v.data[k] = val
	}
	return v
}

func (v *MapVariables) Get(key string) (any, bool) {
	val, ok := v.data[key]
	return val, ok
}

func (v *MapVariables) Set(key string, value any) {
	v.data[key] = value
}

type contextKey string

const userIDContextKey contextKey = "userID"

func ContextWithUserID(ctx context.Context, userID int) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

func UserIDFromContext(ctx context.Context) int {
	if id, ok := ctx.Value(userIDContextKey).(int); ok {
		return id
	}
	return 0
}
