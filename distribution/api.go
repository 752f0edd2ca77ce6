package distribution

import (
	"context"
	"errors"
	"net/http"

	"encore.dev"
	"encore.dev/beta/errs"
	"go.uber.org/zap"

	"distribution.app/pkg/app"
	"distribution.app/pkg/jobqueue"
	"distribution.app/pkg/logging"
	"distribution.app/pkg/monitoring"
	"distribution.app/pkg/projection"
	events "distribution.app/pkg/pubsub"
	"distribution.app/pkg/refresh"
)

// toAPIError maps component errors onto errs codes.
func toAPIError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, projection.ErrInvalidParameters):
		return &errs.Error{Code: errs.InvalidArgument, Message: err.Error()}
	case errors.Is(err, projection.ErrNotFound), errors.Is(err, jobqueue.ErrJobNotFound):
		return &errs.Error{Code: errs.NotFound, Message: err.Error()}
	case errors.Is(err, jobqueue.ErrQueueClosed):
		return &errs.Error{Code: errs.Unavailable, Message: err.Error()}
	default:
		return &errs.Error{Code: errs.Internal, Message: err.Error()}
	}
}

type GetDistributionParams struct {
	Scenario string `query:"scenario"`
}

type DistributionResponse struct {
	Distribution projection.Distribution `json:"distribution"`
}

// GetDistribution returns the current projection for a scope, serving stale
// data while it refreshes.
//
//encore:api public method=GET path=/distribution/:scopeID
func (s *Service) GetDistribution(ctx context.Context, scopeID string, p *GetDistributionParams) (*DistributionResponse, error) {
	d, err := s.rt.Projection.GetDistribution(ctx, scopeID, p.Scenario)
	if err != nil {
		return nil, toAPIError(err)
	}
	return &DistributionResponse{Distribution: d}, nil
}

type UpdateParametersParams struct {
	ScenarioID string                `json:"scenarioId"`
	Parameters projection.Parameters `json:"parameters"`
}

type UpdateParametersResponse struct {
	Projection    projection.Result `json:"projection"`
	Mode          string            `json:"mode"`
	ChangedFields []string          `json:"changedFields"`
	JobID         string            `json:"jobId,omitempty"`
}

// UpdateParameters saves new parameters and answers within the bridge
// deadline, with an estimate if the full projection is late.
//
//encore:api public method=POST path=/distribution/:scopeID/parameters
func (s *Service) UpdateParameters(ctx context.Context, scopeID string, p *UpdateParametersParams) (*UpdateParametersResponse, error) {
	resp, err := s.rt.Projection.UpdateParameters(ctx, projection.UpdateRequest{
		ScopeID:    scopeID,
		ScenarioID: p.ScenarioID,
		Parameters: p.Parameters,
	})
	if err != nil {
		return nil, toAPIError(err)
	}
	s.publishTableChanged(ctx, "distribution_parameters", events.OpUpdate)
	return &UpdateParametersResponse{
		Projection:    resp.Projection,
		Mode:          resp.Mode,
		ChangedFields: resp.ChangedFields,
		JobID:         resp.JobID,
	}, nil
}

// publishTableChanged announces a write so views reading the table refresh.
// The write already succeeded, so a failed publish is only logged.
func (s *Service) publishTableChanged(ctx context.Context, table, operation string) {
	ev := events.NewTableChangedEvent(serviceName, table, operation)
	ev.RequestID = logging.RequestIDFromCtx(ctx)
	if _, err := TableChanged.Publish(ctx, ev); err != nil {
		s.rt.Logger.Warn("publish table change failed",
			zap.String("table", table),
			zap.Error(err))
	}
}

type ExportParams struct {
	SessionID string                   `json:"sessionId"`
	Format    projection.Format        `json:"format"`
	Data      *projection.Distribution `json:"data,omitempty"`
}

type ExportResponse struct {
	JobID string `json:"jobId"`
}

//encore:api public method=POST path=/distribution/:scopeID/export
func (s *Service) RequestExport(ctx context.Context, scopeID string, p *ExportParams) (*ExportResponse, error) {
	h, err := s.rt.Projection.RequestExport(ctx, projection.ExportRequest{
		SessionID: p.SessionID,
		ScopeID:   scopeID,
		Format:    p.Format,
		Data:      p.Data,
	})
	if err != nil {
		return nil, toAPIError(err)
	}
	return &ExportResponse{JobID: h.ID}, nil
}

// DownloadExport serves a rendered export document.
//
//encore:api public raw method=GET path=/exports/:jobID
func (s *Service) DownloadExport(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	jobID := encore.CurrentRequest().PathParams.Get("jobID")

	st, err := s.rt.Projection.JobStatus(ctx, jobqueue.ClassExport, jobID)
	if err != nil || st.State != jobqueue.StateCompleted {
		http.Error(w, "export not ready", http.StatusNotFound)
		return
	}
	var res projection.ExportResult
	if err := st.DecodeResult(&res); err != nil {
		http.Error(w, "export result unreadable", http.StatusInternalServerError)
		return
	}
	doc, ok := s.rt.KV.Get(ctx, res.Key)
	if !ok {
		http.Error(w, "export expired", http.StatusGone)
		return
	}
	w.Header().Set("Content-Type", res.ContentType)
	_, _ = w.Write(doc)
}

type JobStatusResponse struct {
	Status jobqueue.Status `json:"status"`
}

//encore:api public method=GET path=/jobs/:class/:id
func (s *Service) JobStatus(ctx context.Context, class string, id string) (*JobStatusResponse, error) {
	st, err := s.rt.Projection.JobStatus(ctx, jobqueue.Class(class), id)
	if err != nil {
		return nil, toAPIError(err)
	}
	return &JobStatusResponse{Status: st}, nil
}

type ViewStatsResponse struct {
	Views []refresh.ViewStats `json:"views"`
}

//encore:api public method=GET path=/views/stats
func (s *Service) ViewStats(ctx context.Context) (*ViewStatsResponse, error) {
	return &ViewStatsResponse{Views: s.rt.Scheduler.GetViewStats(ctx)}, nil
}

type RefreshViewResponse struct {
	Result refresh.Result `json:"result"`
}

// RefreshView refreshes one view synchronously. A refresh already running
// elsewhere is reported in the result, not as an error.
//
//encore:api public method=POST path=/views/:name/refresh
func (s *Service) RefreshView(ctx context.Context, name string) (*RefreshViewResponse, error) {
	if _, ok := s.rt.Scheduler.Table().Get(name); !ok {
		return nil, &errs.Error{Code: errs.NotFound, Message: "unknown view " + name}
	}
	return &RefreshViewResponse{Result: s.rt.Scheduler.RefreshView(ctx, name)}, nil
}

type OperationMetricsParams struct {
	Operation string `query:"operation"`
	Alerts    int    `query:"alerts"`
}

type OperationMetricsResponse struct {
	Operations      map[string]monitoring.OperationMetrics `json:"operations"`
	Alerts          []monitoring.Alert                     `json:"alerts"`
	AlertsTriggered int64                                  `json:"alertsTriggered"`
}

//encore:api public method=GET path=/metrics/operations
func (s *Service) OperationMetrics(ctx context.Context, p *OperationMetricsParams) (*OperationMetricsResponse, error) {
	n := p.Alerts
	if n <= 0 {
		n = 20
	}
	return &OperationMetricsResponse{
		Operations:      s.rt.Recorder.GetMetrics(p.Operation),
		Alerts:          s.rt.Recorder.Alerts(n),
		AlertsTriggered: s.rt.Recorder.AlertsTriggered(),
	}, nil
}

//encore:api public raw method=GET path=/metrics/prometheus
func (s *Service) Prometheus(w http.ResponseWriter, req *http.Request) {
	s.rt.Recorder.Handler().ServeHTTP(w, req)
}

type HealthResponse struct {
	Health app.Health `json:"health"`
}

//encore:api public method=GET path=/health
func (s *Service) Health(ctx context.Context) (*HealthResponse, error) {
	return &HealthResponse{Health: s.rt.Health(ctx)}, nil
}
