package monitoring

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// AlertType represents the category of alert.
type AlertType string

const (
	AlertBudgetExceeded AlertType = "budget_exceeded"
)

// Alert records one slow operation.
type Alert struct {
	ID          string      `json:"id"`
	Type        AlertType   `json:"type"`
	Severity    string      `json:"severity"`
	Operation   string      `json:"operation"`
	Budget      BudgetClass `json:"budget"`
	ElapsedMs   float64     `json:"elapsedMs"`
	BudgetMs    float64     `json:"budgetMs"`
	Message     string      `json:"message"`
	TriggeredAt time.Time   `json:"triggeredAt"`
}

// AlertLog keeps the most recent alerts.
type AlertLog struct {
	mu       sync.RWMutex
	alerts   []Alert
	capacity int

	triggered atomic.Int64
}

// NewAlertLog creates a log retaining up to capacity alerts.
func NewAlertLog(capacity int) *AlertLog {
	if capacity < 1 {
		capacity = 1
	}
	return &AlertLog{capacity: capacity}
}

func newBudgetAlert(op string, class BudgetClass, elapsed, budget time.Duration, now time.Time) Alert {
	severity := "warning"
	if class == BudgetCritical || elapsed >= 2*budget {
		severity = "critical"
	}
	return Alert{
		ID:        uuid.NewString(),
		Type:      AlertBudgetExceeded,
		Severity:  severity,
		Operation: op,
		Budget:    class,
		ElapsedMs: ms(elapsed),
		BudgetMs:  ms(budget),
		Message: fmt.Sprintf("%s took %.0fms, over the %s budget of %.0fms",
			op, ms(elapsed), class, ms(budget)),
		TriggeredAt: now,
	}
}

// Add appends an alert, dropping the oldest beyond capacity.
func (l *AlertLog) Add(a Alert) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.alerts = append(l.alerts, a)
	if over := len(l.alerts) - l.capacity; over > 0 {
		l.alerts = append(l.alerts[:0:0], l.alerts[over:]...)
	}
	l.triggered.Add(1)
}

// Recent returns up to n alerts, newest first. n <= 0 returns all retained.
func (l *AlertLog) Recent(n int) []Alert {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > len(l.alerts) {
		n = len(l.alerts)
	}
	out := make([]Alert, 0, n)
	for i := len(l.alerts) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, l.alerts[i])
	}
	return out
}

// Triggered returns the number of alerts ever added.
func (l *AlertLog) Triggered() int64 {
	return l.triggered.Load()
}
