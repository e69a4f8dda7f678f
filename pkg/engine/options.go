package engine

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultConnectTimeout bounds the liveness probe of a session.
const DefaultConnectTimeout = 5 * time.Second

// Options are the per-process settings of the engine. They are passed to
// constructors explicitly; nothing in the engine reads process globals.
type Options struct {
	// DryRun stops after planning: no session, no lease, no writes.
	DryRun bool

	// ConnectTimeout bounds the liveness probe.
	ConnectTimeout time.Duration

	// PostVerify re-runs verify after a successful apply.
	PostVerify bool

	// ExecutedBy is recorded on every session.
	ExecutedBy string

	// Version is the avtune version recorded in events.
	Version string

	// Clock returns the current time. Tests replace it.
	Clock func() time.Time
}

// DefaultOptions returns options with post-verify on and the default probe timeout.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: DefaultConnectTimeout,
		PostVerify:     true,
		ExecutedBy:     "avtune",
		Clock:          time.Now,
	}
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.ExecutedBy == "" {
		o.ExecutedBy = "avtune"
	}
	return o
}

func (o Options) now() time.Time {
	return o.Clock().UTC()
}

// NewSessionID returns a ULID for t. ULIDs sort lexically in creation order,
// so history listings need no separate index.
func NewSessionID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
