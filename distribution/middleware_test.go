package distribution

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"distribution.app/pkg/monitoring"
)

func TestBudgetFor(t *testing.T) {
	assert.Equal(t, monitoring.BudgetCritical, budgetFor("UpdateParameters"))
	assert.Equal(t, monitoring.BudgetFast, budgetFor("GetDistribution"))
	assert.Equal(t, monitoring.BudgetStandard, budgetFor("ViewStats"))
	assert.Equal(t, monitoring.BudgetStandard, budgetFor(""))
}
