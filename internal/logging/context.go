package logging

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DetachContextWithTimeout returns a context that keeps parent's values but
// not its cancellation, bounded by timeout instead. Commit and audit writes
// run under it so a cancelled command still records what it did.
func DetachContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}

// WithThread tags l with the thread and, when known, the command.
func WithThread(l zerolog.Logger, threadID, commandID string) zerolog.Logger {
	c := l.With().Str("thread_id", threadID)
	if commandID != "" {
		c = c.Str("command_id", commandID)
	}
	return c.Logger()
}
