package download

import (
	"context"
	"time"
)

// Sink persists artifact bytes and answers whether an output already exists.
type Sink interface {
	Save(ctx context.Context, path string, data []byte) error
	Exists(ctx context.Context, path string) (bool, error)
}

// Navigator issues page navigations on the rendering host.
type Navigator interface {
	Navigate(ctx context.Context, url string) error
}

// Reporter receives outcomes from event-delivery contexts.
type Reporter interface {
	ReportOutcome(code Code)
}

// Session exposes the active target alongside the outcome reporter.
type Session interface {
	Reporter
	Target() Target
}

// TargetSource yields the next target to download, if any.
type TargetSource interface {
	Next(ctx context.Context) (Target, bool)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
