package rules

import (
	"github.com/edirooss/cubed/internal/cache"
	"go.uber.org/zap"
)

func testLogger() *zap.Logger { return zap.NewNop() }

func newTestRuleCache() *cache.RuleCache {
	return cache.NewRuleCache(cache.NewBudget(1<<20, 1<<20))
}
