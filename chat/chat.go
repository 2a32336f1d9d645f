package chat

import "context"

// Sender is the only surface the relay depends on per platform: create the
// conversation handle, push one message. SDK internals stay behind it.
type Sender interface {
	// CreateThread opens a new conversation for the order and returns its
	// handle. Platforms that cannot originate conversations return
	// ErrThreadCreationUnsupported.
	CreateThread(ctx context.Context, orderId, title string) (threadRef string, err error)
	SendMessage(ctx context.Context, threadRef, body string) (messageRef string, err error)
}

// OperatorNotifier delivers failure detail to the operator channel, away from
// any customer-facing thread.
type OperatorNotifier interface {
	SendOperatorAlert(ctx context.Context, body string) error
}
