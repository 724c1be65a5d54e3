package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/meridian-erp/meridian-erp/internal/costing"
	jobmetrics "github.com/meridian-erp/meridian-erp/internal/jobs"
)

const (
	// TaskReconcileSweep re-checks correction invariants on source lines
	// whose history changed, typically after a bill cancellation.
	TaskReconcileSweep = "costing:reconcile_sweep"
)

// ReconcileSweepPayload names the source lines to re-check.
type ReconcileSweepPayload struct {
	CompanyID     int64     `json:"company_id"`
	SourceLineIDs []int64   `json:"source_line_ids"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// NewReconcileSweepTask constructs an Asynq task for a reconciliation sweep.
func NewReconcileSweepTask(payload ReconcileSweepPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcileSweep, body, asynq.Queue(QueueDefault)), nil
}

// CompanyContextResolver resolves the costing context (currency, rounding
// policy) of a company. Jobs carry only the company id on the wire.
type CompanyContextResolver func(ctx context.Context, companyID int64) (costing.Context, error)

// Sweeper processes reconciliation sweep tasks against the costing service.
type Sweeper struct {
	service  *costing.Service
	contexts CompanyContextResolver
	logger   *slog.Logger
	metrics  *jobmetrics.Metrics
}

// NewSweeper constructs a Sweeper.
func NewSweeper(service *costing.Service, contexts CompanyContextResolver, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{service: service, contexts: contexts, logger: logger}
}

// SetMetrics attaches run instrumentation to the sweeper's handlers.
func (s *Sweeper) SetMetrics(m *jobmetrics.Metrics) { s.metrics = m }

// HandleReconcileSweep runs the sweep for every source line in the payload.
// Flagged layers are logged for the operator; the sweep repairs nothing.
func (s *Sweeper) HandleReconcileSweep(ctx context.Context, t *asynq.Task) error {
	tracker := s.metrics.Track(TaskReconcileSweep)
	var payload ReconcileSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	cctx, err := s.contexts(ctx, payload.CompanyID)
	if err != nil {
		return tracker.End(err)
	}
	for _, sourceLineID := range payload.SourceLineIDs {
		flagged, err := s.service.SweepSourceLine(ctx, cctx, sourceLineID)
		if err != nil {
			return tracker.End(err)
		}
		if len(flagged) > 0 {
			s.logger.Warn("jobs: sweep flagged layers",
				slog.Int64("source_line_id", sourceLineID),
				slog.Any("layer_ids", flagged))
		}
	}
	return tracker.End(nil)
}
