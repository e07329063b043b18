// Package ctxutil provides type-safe context value management for tracing
// values carried through a dialogue turn. Uses private key types to prevent
// collisions.
package ctxutil

import (
	"context"
)

type contextKey string

const (
	userIDKey    contextKey = "ctxutil.userID"
	chatIDKey    contextKey = "ctxutil.chatID"
	requestIDKey contextKey = "ctxutil.requestID"
	slotKey      contextKey = "ctxutil.slot"
)

func withString(ctx context.Context, key contextKey, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

func getString(ctx context.Context, key contextKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// WithUserID adds a user ID to the context.
// The LINE user ID also identifies the dialogue session.
func WithUserID(ctx context.Context, userID string) context.Context {
	return withString(ctx, userIDKey, userID)
}

// GetUserID retrieves the user ID from the context, or "".
func GetUserID(ctx context.Context) string {
	return getString(ctx, userIDKey)
}

// WithChatID adds a chat ID to the context.
// Chat ID identifies the conversation (user, group, or room) in LINE.
func WithChatID(ctx context.Context, chatID string) context.Context {
	return withString(ctx, chatIDKey, chatID)
}

// GetChatID retrieves the chat ID from the context, or "".
func GetChatID(ctx context.Context) string {
	return getString(ctx, chatIDKey)
}

// WithRequestID adds a request ID to the context for tracing.
// Webhook events use the LINE webhook event ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withString(ctx, requestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context.
// Returns the request ID and true if found, empty string and false otherwise.
func GetRequestID(ctx context.Context) (string, bool) {
	requestID, ok := ctx.Value(requestIDKey).(string)
	return requestID, ok
}

// WithSlot records the dialogue slot being answered.
func WithSlot(ctx context.Context, slot string) context.Context {
	return withString(ctx, slotKey, slot)
}

// GetSlot retrieves the dialogue slot from the context, or "".
func GetSlot(ctx context.Context) string {
	return getString(ctx, slotKey)
}

// PreserveTracing creates a detached context that preserves tracing values.
// The new context is independent of the parent's cancellation and deadlines.
//
// Only tracing values are copied, so the parent context is not retained
// (Go issue #64478). Use it for work that must outlive the parent, such as
// a dialogue turn that continues after the webhook has been acknowledged.
func PreserveTracing(ctx context.Context) context.Context {
	newCtx := context.Background()

	if userID := GetUserID(ctx); userID != "" {
		newCtx = WithUserID(newCtx, userID)
	}
	if chatID := GetChatID(ctx); chatID != "" {
		newCtx = WithChatID(newCtx, chatID)
	}
	if requestID, ok := GetRequestID(ctx); ok && requestID != "" {
		newCtx = WithRequestID(newCtx, requestID)
	}
	if slot := GetSlot(ctx); slot != "" {
		newCtx = WithSlot(newCtx, slot)
	}

	return newCtx
}
