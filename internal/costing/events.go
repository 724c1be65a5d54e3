package costing

import (
	"context"
	"time"
)

// IntegrationHandler receives costing lifecycle events. Implementations
// hook reporting or notification side effects into the posting workflow.
type IntegrationHandler interface {
	HandleCorrectionPosted(ctx context.Context, evt CorrectionPostedEvent) error
	HandleCorrectionReversed(ctx context.Context, evt CorrectionReversedEvent) error
}

// CorrectionPostedEvent is emitted after a document's correction pass so
// downstream consumers (reporting, notifications) can react.
type CorrectionPostedEvent struct {
	DocumentID  int64
	CompanyID   int64
	Adjustments int
	TotalValue  float64
	PostedAt    time.Time
}

// CorrectionReversedEvent is emitted after a cancellation reversed a
// document's adjustments.
type CorrectionReversedEvent struct {
	DocumentID  int64
	CompanyID   int64
	SourceLines []int64
	ReversedAt  time.Time
}
