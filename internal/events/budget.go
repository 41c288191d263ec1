package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/NeuralNinja23/gencode-orchestrator/internal/budget"
)

// BudgetEmitter forwards budget threshold and override events to pub.
func BudgetEmitter(pub Publisher, logger *zap.Logger) budget.EventEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return budget.EmitterFunc(func(be budget.Event) {
		e := New(budgetType(be.Type), be.RunID)
		e.Data = map[string]any{
			"spent": be.Spent,
			"limit": be.Limit,
			"ratio": be.Ratio,
		}
		if err := pub.Publish(context.Background(), e); err != nil {
			logger.Warn("failed to publish budget event",
				zap.String("run.id", be.RunID),
				zap.String("type", string(be.Type)),
				zap.Error(err))
		}
	})
}

func budgetType(t budget.EventType) Type {
	switch t {
	case budget.EventExhausted:
		return BudgetExhausted
	case budget.EventOverride:
		return BudgetOverride
	default:
		return BudgetWarning
	}
}
