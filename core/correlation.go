package core

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// CorrelationHeader carries the request correlation id across components.
const CorrelationHeader = "X-Correlation-ID"

type correlationKey struct{}

// WithCorrelation tags ctx with a correlation id for downstream calls.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationFrom returns the correlation id carried by ctx, if any.
func CorrelationFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// RequestCorrelationID returns the caller's X-Correlation-ID, minting one
// when the request did not carry it.
func RequestCorrelationID(r *http.Request) string {
	if id := r.Header.Get(CorrelationHeader); id != "" {
		return id
	}
	return uuid.New().String()
}
