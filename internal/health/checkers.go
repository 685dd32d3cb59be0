package health

import "context"

// Pinger is the probe surface exposed by viva's backing stores (the
// checkpoint store, the question bank, and the report queue).
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependency returns a [Checker] that probes a backing store by pinging it.
func Dependency(name string, p Pinger) Checker {
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			return p.Ping(ctx)
		},
	}
}
