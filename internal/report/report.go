// Package report defines the fire-and-forget trigger for the asynchronous
// grading job kicked off when a session terminates.
//
// Grading itself runs elsewhere; this package only hands the job to a queue
// and returns a job identifier for correlation.
package report

import "context"

// Trigger submits grading jobs.
type Trigger interface {
	// Submit enqueues a grading job for a terminated session and returns the
	// job identifier. transcriptRef points at the session transcript in
	// whatever store the grader reads from.
	Submit(ctx context.Context, sessionID, transcriptRef string) (jobID string, err error)
}

// Noop is a [Trigger] that discards jobs. Used when grading is not
// configured.
type Noop struct{}

// Submit implements [Trigger].
func (Noop) Submit(context.Context, string, string) (string, error) { return "", nil }
