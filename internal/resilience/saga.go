package resilience

import (
	"context"
	"fmt"

	"escrow-service/internal/util"

	"go.uber.org/zap"
)

// SagaStep is one local step of a saga and the action that undoes it.
// Compensate may be nil for steps with nothing to undo.
type SagaStep struct {
	Name       string
	Action     func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// SagaResult reports how far a saga got
type SagaResult struct {
	Success            bool
	CompletedSteps     int
	FailedStep         string
	Err                error
	CompensationErrors []error
}

// SagaCoordinator runs ordered steps and compensates completed steps in
// reverse order when a later step fails
type SagaCoordinator struct {
	logger *zap.Logger
}

// NewSagaCoordinator creates a saga coordinator
func NewSagaCoordinator() *SagaCoordinator {
	return &SagaCoordinator{logger: util.GetLogger()}
}

// Execute runs steps in order. On failure it compensates the completed
// steps and returns the failing step's error, wrapped with the step name.
// Compensation failures are logged and collected in the result.
func (sc *SagaCoordinator) Execute(ctx context.Context, name string, steps []SagaStep) (*SagaResult, error) {
	ctx, span := util.StartSpan(ctx, "Saga."+name)
	defer span.End()

	result := &SagaResult{}
	for i, step := range steps {
		if err := step.Action(ctx); err != nil {
			result.FailedStep = step.Name
			result.Err = err

			sc.logger.Warn("Saga step failed - starting compensation",
				zap.String("saga", name),
				zap.String("step", step.Name),
				zap.Int("completed_steps", result.CompletedSteps),
				zap.Error(err))

			result.CompensationErrors = sc.compensate(ctx, name, steps[:i])
			util.SagaOutcomesTotal.WithLabelValues(name, "compensated").Inc()
			return result, fmt.Errorf("saga %s: step %s: %w", name, step.Name, err)
		}
		result.CompletedSteps++
	}

	result.Success = true
	util.SagaOutcomesTotal.WithLabelValues(name, "succeeded").Inc()
	return result, nil
}

func (sc *SagaCoordinator) compensate(ctx context.Context, name string, completed []SagaStep) []error {
	// Compensation must run even when the caller's context was cancelled.
	ctx = context.WithoutCancel(ctx)

	var errs []error
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			sc.logger.Error("Saga compensation failed",
				zap.String("saga", name),
				zap.String("step", step.Name),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("compensate %s: %w", step.Name, err))
		}
	}
	return errs
}
