package utils

import (
	"context"

	"bitbucket.org/atelierworks/bridge_backend/appctx"
)

var (
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyEventId       = appctx.ContextKeyEventId
	ContextKeyOrderId       = appctx.ContextKeyOrderId
)

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func GetEventIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyEventId)
}

func SetEventIdInContext(ctx context.Context, eventId string) context.Context {
	return appctx.Set(ctx, ContextKeyEventId, eventId)
}

func GetOrderIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyOrderId)
}

func SetOrderIdInContext(ctx context.Context, orderId string) context.Context {
	return appctx.Set(ctx, ContextKeyOrderId, orderId)
}
