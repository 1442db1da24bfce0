package engine

import "context"

// ChannelSender is the external delivery capability: it performs the actual
// email/SMS/call delivery for a send step. Implementations are expected to
// be safe for concurrent use; the engine bounds how many sends are in
// flight at once.
type ChannelSender interface {
	// Send delivers the referenced content to the target on the given
	// channel. A nil return is a delivery acknowledgment; any error is
	// treated as transient and retried up to the configured attempt cap.
	Send(ctx context.Context, channel, targetID, contentRef string) error
}

// SenderFunc is a function adapter for ChannelSender.
type SenderFunc func(ctx context.Context, channel, targetID, contentRef string) error

// Send implements the ChannelSender interface.
func (f SenderFunc) Send(ctx context.Context, channel, targetID, contentRef string) error {
	return f(ctx, channel, targetID, contentRef)
}
