package transport

import (
	"context"

	"budget-guard/internal/ingress"
)

// HandlerFunc processes one delivered message and reports whether the delivery should
// be acknowledged. Returning false asks the transport to redeliver.
type HandlerFunc func(ctx context.Context, msg ingress.Message) bool
