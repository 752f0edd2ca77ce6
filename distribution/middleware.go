package distribution

import (
	"time"

	"encore.dev/middleware"

	"distribution.app/pkg/logging"
	"distribution.app/pkg/monitoring"
)

// endpointBudgets assigns latency budgets. Unlisted endpoints get the
// standard budget.
var endpointBudgets = map[string]monitoring.BudgetClass{
	"UpdateParameters": monitoring.BudgetCritical,
	"GetDistribution":  monitoring.BudgetFast,
	"JobStatus":        monitoring.BudgetFast,
	"RequestExport":    monitoring.BudgetFast,
}

func budgetFor(endpoint string) monitoring.BudgetClass {
	if class, ok := endpointBudgets[endpoint]; ok {
		return class
	}
	return monitoring.BudgetStandard
}

// TrackLatency tags the request with a correlation ID and records its
// latency against the endpoint's budget.
//
//encore:middleware target=all
func (s *Service) TrackLatency(req middleware.Request, next middleware.Next) middleware.Response {
	data := req.Data()

	requestID := data.Headers.Get(logging.RequestIDHeader)
	if requestID == "" {
		requestID = logging.NewRequestID()
	}
	ctx := logging.WithRequestID(req.Context(), requestID)

	start := time.Now()
	resp := next(req.WithContext(ctx))
	s.rt.Recorder.TrackResponse(ctx, data.Endpoint, time.Since(start), budgetFor(data.Endpoint))
	return resp
}
