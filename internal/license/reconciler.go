package license

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ReconcileRecorder receives the result of each reconciliation sweep.
type ReconcileRecorder interface {
	RecordReconcile(reset int, failed int)
}

// Reconciler resets usage for licenses whose billing cycle has elapsed.
// Sweeps are serialized; a second sweep at the same instant is a no-op.
type Reconciler struct {
	service  *Service
	recorder ReconcileRecorder
	logger   zerolog.Logger
	mu       sync.Mutex
}

// NewReconciler creates a Reconciler. recorder may be nil.
func NewReconciler(service *Service, recorder ReconcileRecorder, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		service:  service,
		recorder: recorder,
		logger:   logger.With().Str("component", "reconciler").Logger(),
	}
}

// Run performs one sweep and returns the number of licenses reset. Failures
// on individual records are logged and returned joined; the sweep still
// processes every other record.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.service.Now()
	r.logger.Info().Time("now", now).Msg("starting billing cycle reconciliation")

	reset, err := r.service.ReconcileCycles(ctx, now)
	failed := 0
	if err != nil {
		failed = countJoined(err)
		r.logger.Error().Err(err).Int("failed", failed).Msg("some licenses could not be reconciled")
	}

	if r.recorder != nil {
		r.recorder.RecordReconcile(reset, failed)
	}

	r.logger.Info().
		Int("reset", reset).
		Int("failed", failed).
		Msg("billing cycle reconciliation completed")
	return reset, err
}

func countJoined(err error) int {
	if err == nil {
		return 0
	}
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		return len(joined.Unwrap())
	}
	return 1
}
