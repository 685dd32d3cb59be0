// Package stripe implements [billing.Recorder] with Stripe billing meter
// events, so session minutes can drive usage-based invoicing.
package stripe

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	stripelib "github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/billing/meterevent"

	"github.com/candorlabs/viva/internal/billing"
)

// Compile-time interface assertion.
var _ billing.Recorder = (*Recorder)(nil)

// defaultEventName is the meter event name when none is configured. It must
// match a billing meter configured in the Stripe dashboard.
const defaultEventName = "viva_session_seconds"

// Config configures a [Recorder].
type Config struct {
	// APIKey is the Stripe secret key.
	APIKey string

	// EventName is the billing meter event name. Defaults to
	// "viva_session_seconds".
	EventName string

	// CustomerID is the Stripe customer the usage is attributed to.
	CustomerID string
}

// Recorder reports session usage as Stripe billing meter events.
type Recorder struct {
	eventName  string
	customerID string
	logger     *slog.Logger
}

// New creates a Recorder and sets the package-level Stripe key.
func New(cfg Config, logger *slog.Logger) (*Recorder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("stripe recorder: APIKey must not be empty")
	}
	if cfg.CustomerID == "" {
		return nil, fmt.Errorf("stripe recorder: CustomerID must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	eventName := cfg.EventName
	if eventName == "" {
		eventName = defaultEventName
	}

	stripelib.Key = cfg.APIKey

	return &Recorder{
		eventName:  eventName,
		customerID: cfg.CustomerID,
		logger:     logger,
	}, nil
}

// RecordUsage implements [billing.Recorder]. The session identifier doubles
// as the meter event identifier, which makes retries idempotent on Stripe's
// side.
func (r *Recorder) RecordUsage(ctx context.Context, sessionID string, connected time.Duration) error {
	seconds := int64(connected.Round(time.Second).Seconds())

	params := &stripelib.BillingMeterEventParams{
		EventName:  stripelib.String(r.eventName),
		Identifier: stripelib.String(sessionID),
		Payload: map[string]string{
			"stripe_customer_id": r.customerID,
			"value":              strconv.FormatInt(seconds, 10),
		},
	}
	params.Context = ctx

	if _, err := meterevent.New(params); err != nil {
		return fmt.Errorf("stripe recorder: meter event for %q: %w", sessionID, err)
	}

	r.logger.Info("session usage recorded",
		"session_id", sessionID,
		"connected_seconds", seconds,
	)
	return nil
}
