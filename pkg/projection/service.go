// Package projection orchestrates distribution projections on top of the
// revalidating cache, the job queue and the deadline bridge.
//
// Reads go through the two-tier cache. Parameter edits take one of two
// paths:
//   - simple (at most SimpleEditMaxFields changed): Compute inline, memoized
//     under the projection key
//   - complex: enqueue a compute job and wait up to BridgeDeadline for it,
//     answering with QuickEstimate if it is late
//
// Compute jobs write the projection and distribution keys themselves, so a
// late job still warms the cache for the next read.
package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"distribution.app/pkg/bridge"
	"distribution.app/pkg/jobqueue"
	"distribution.app/pkg/logging"
	"distribution.app/pkg/revalidate"
)

const (
	OpProject = "project"
	OpRender  = "render"
)

// ModeDirect marks an edit computed inline. Queued edits report the bridge
// outcome instead.
const ModeDirect = "direct"

// Config tunes the service.
type Config struct {
	BridgeDeadline      time.Duration // Wait for a queued compute
	SimpleEditMaxFields int           // Edits touching more fields are queued
	ProjectionTTL       time.Duration // Lifetime of memoized projections
	FreshTTL            time.Duration // Distribution fresh tier, 0 = cache default
	StaleTTL            time.Duration // Distribution stale tier, 0 = cache default
	ExportTTL           time.Duration // Lifetime of rendered documents
	InteractivePriority int           // Priority of compute jobs behind a live edit
}

// DefaultConfig returns the live-edit settings.
func DefaultConfig() Config {
	return Config{
		BridgeDeadline:      500 * time.Millisecond,
		SimpleEditMaxFields: 2,
		ProjectionTTL:       time.Hour,
		ExportTTL:           time.Hour,
		InteractivePriority: 10,
	}
}

// Distribution is the cached view of a scope's current projection.
type Distribution struct {
	ScopeID     string     `json:"scopeId"`
	ScenarioID  string     `json:"scenarioId,omitempty"`
	Parameters  Parameters `json:"parameters"`
	Projection  Result     `json:"projection"`
	GeneratedAt time.Time  `json:"generatedAt"`
}

// UpdateRequest replaces the parameters of a scope.
type UpdateRequest struct {
	ScopeID    string     `json:"scopeId" validate:"required"`
	ScenarioID string     `json:"scenarioId,omitempty"`
	Parameters Parameters `json:"parameters"`
}

// UpdateResponse carries the projection produced for an edit.
type UpdateResponse struct {
	Projection    Result   `json:"projection"`
	Mode          string   `json:"mode"`
	ChangedFields []string `json:"changedFields"`
	JobID         string   `json:"jobId,omitempty"`
}

// ComputePayload is the body of a compute.project job.
type ComputePayload struct {
	ScopeID    string     `json:"scopeId" validate:"required"`
	ScenarioID string     `json:"scenarioId,omitempty"`
	Parameters Parameters `json:"parameters"`
}

// ExportRequest is the body of an export.render job. Data, when set, is
// rendered instead of the scope's current distribution.
type ExportRequest struct {
	SessionID string        `json:"sessionId" validate:"required"`
	ScopeID   string        `json:"scopeId" validate:"required"`
	Format    Format        `json:"format" validate:"oneof=pdf excel csv"`
	Data      *Distribution `json:"data,omitempty"`
}

// ExportResult is the job result of export.render.
type ExportResult struct {
	Key         string `json:"key"`
	Format      Format `json:"format"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
}

// Service implements the projection endpoints.
type Service struct {
	cache     *revalidate.Cache
	queue     *jobqueue.Queue
	bridge    *bridge.Bridge
	store     ParameterStore
	renderers map[Format]Renderer
	config    Config
	logger    *zap.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithRenderer installs the renderer for format.
func WithRenderer(format Format, r Renderer) Option {
	return func(s *Service) { s.renderers[format] = r }
}

// NewService wires the service. Call Register before starting the queue.
func NewService(cache *revalidate.Cache, queue *jobqueue.Queue, br *bridge.Bridge, store ParameterStore, config Config, logger *zap.Logger, opts ...Option) *Service {
	def := DefaultConfig()
	if config.BridgeDeadline <= 0 {
		config.BridgeDeadline = def.BridgeDeadline
	}
	if config.SimpleEditMaxFields <= 0 {
		config.SimpleEditMaxFields = def.SimpleEditMaxFields
	}
	if config.ProjectionTTL <= 0 {
		config.ProjectionTTL = def.ProjectionTTL
	}
	if config.ExportTTL <= 0 {
		config.ExportTTL = def.ExportTTL
	}
	if config.FreshTTL <= 0 {
		config.FreshTTL = cache.Config().FreshTTL
	}
	if config.StaleTTL <= 0 {
		config.StaleTTL = cache.Config().StaleTTL
	}

	s := &Service{
		cache:     cache,
		queue:     queue,
		bridge:    br,
		store:     store,
		renderers: map[Format]Renderer{FormatCSV: CSVRenderer{}},
		config:    config,
		logger:    logging.OrNop(logger).Named("projection"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds the compute and export handlers on the queue.
func (s *Service) Register() {
	s.queue.Register(jobqueue.ClassCompute, OpProject, s.handleCompute)
	s.queue.Register(jobqueue.ClassExport, OpRender, s.handleExport)
}

func distributionKey(scopeID, scenarioID string) string {
	if scenarioID == "" {
		return revalidate.SessionKey(scopeID)
	}
	return revalidate.ScenarioKey(scopeID, scenarioID)
}

func (s *Service) distribution(scopeID, scenarioID string, p Parameters, r Result) Distribution {
	return Distribution{
		ScopeID:     scopeID,
		ScenarioID:  scenarioID,
		Parameters:  p,
		Projection:  r,
		GeneratedAt: time.Now().UTC(),
	}
}

// GetDistribution returns the scope's distribution, serving stale data while
// it refreshes in the background.
func (s *Service) GetDistribution(ctx context.Context, scopeID, scenarioID string) (Distribution, error) {
	if scopeID == "" {
		return Distribution{}, fmt.Errorf("%w: scope id is required", ErrInvalidParameters)
	}
	return revalidate.GetOrRevalidate(ctx, s.cache, distributionKey(scopeID, scenarioID),
		s.config.FreshTTL, s.config.StaleTTL,
		func(ctx context.Context) (Distribution, error) {
			p, err := s.store.Load(ctx, scopeID, scenarioID)
			if err != nil {
				return Distribution{}, err
			}
			return s.distribution(scopeID, scenarioID, p, Compute(p)), nil
		})
}

// UpdateParameters saves new parameters and returns their projection.
func (s *Service) UpdateParameters(ctx context.Context, req UpdateRequest) (UpdateResponse, error) {
	if err := validateStruct(req); err != nil {
		return UpdateResponse{}, err
	}
	logger := logging.FromContext(ctx, s.logger).With(zap.String("scope_id", req.ScopeID))

	prev, err := s.store.Load(ctx, req.ScopeID, req.ScenarioID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		logger.Warn("previous parameters unavailable, treating edit as complex", zap.Error(err))
	}
	changed := ChangedFields(prev, req.Parameters)

	if err := s.store.Save(ctx, req.ScopeID, req.ScenarioID, req.Parameters); err != nil {
		return UpdateResponse{}, fmt.Errorf("save parameters: %w", err)
	}
	s.cache.Invalidate(ctx, revalidate.DistributionPattern(req.ScopeID))

	if len(changed) <= s.config.SimpleEditMaxFields {
		result, err := s.computeDirect(ctx, req)
		if err != nil {
			return UpdateResponse{}, err
		}
		return UpdateResponse{Projection: result, Mode: ModeDirect, ChangedFields: changed}, nil
	}

	h, err := s.queue.Enqueue(ctx, jobqueue.ClassCompute, OpProject, ComputePayload{
		ScopeID:    req.ScopeID,
		ScenarioID: req.ScenarioID,
		Parameters: req.Parameters,
	}, jobqueue.Options{Priority: s.config.InteractivePriority})
	if err != nil {
		if errors.Is(err, jobqueue.ErrUnknownClass) || errors.Is(err, jobqueue.ErrUnknownOperation) {
			return UpdateResponse{}, err
		}
		logger.Warn("compute enqueue failed, serving estimate", zap.Error(err))
		return UpdateResponse{
			Projection:    QuickEstimate(req.Parameters),
			Mode:          string(bridge.OutcomeFallback),
			ChangedFields: changed,
		}, nil
	}

	result, outcome := bridge.CallWithDeadline(ctx, s.bridge,
		func(ctx context.Context) (Result, error) {
			return s.awaitProjection(ctx, h)
		},
		func() Result { return QuickEstimate(req.Parameters) },
		s.config.BridgeDeadline,
		bridge.OnLate(func(_ Result, err error) {
			logger.Debug("queued projection finished after deadline",
				zap.String("job_id", h.ID), zap.Error(err))
		}))

	return UpdateResponse{
		Projection:    result,
		Mode:          string(outcome),
		ChangedFields: changed,
		JobID:         h.ID,
	}, nil
}

func (s *Service) computeDirect(ctx context.Context, req UpdateRequest) (Result, error) {
	key, err := revalidate.ProjectionKey(req.ScopeID, req.Parameters)
	if err != nil {
		return Result{}, err
	}
	result, err := revalidate.GetOrSet(ctx, s.cache, key, s.config.ProjectionTTL,
		func(context.Context) (Result, error) {
			return Compute(req.Parameters), nil
		})
	if err != nil {
		return Result{}, err
	}
	revalidate.Store(ctx, s.cache, distributionKey(req.ScopeID, req.ScenarioID),
		s.distribution(req.ScopeID, req.ScenarioID, req.Parameters, result),
		s.config.FreshTTL, s.config.StaleTTL)
	return result, nil
}

func (s *Service) awaitProjection(ctx context.Context, h jobqueue.Handle) (Result, error) {
	st, err := s.queue.Await(ctx, h)
	if err != nil {
		return Result{}, err
	}
	if st.State == jobqueue.StateDead {
		return Result{}, fmt.Errorf("compute job %s dead: %s", st.ID, st.Error)
	}
	var result Result
	if err := st.DecodeResult(&result); err != nil {
		return Result{}, err
	}
	return result, nil
}

// RequestExport enqueues a document render and returns its job handle.
func (s *Service) RequestExport(ctx context.Context, req ExportRequest) (jobqueue.Handle, error) {
	if err := validateStruct(req); err != nil {
		return jobqueue.Handle{}, err
	}
	return s.queue.Enqueue(ctx, jobqueue.ClassExport, OpRender, req, jobqueue.Options{})
}

// JobStatus proxies the queue's status lookup.
func (s *Service) JobStatus(ctx context.Context, class jobqueue.Class, id string) (jobqueue.Status, error) {
	return s.queue.GetStatus(ctx, class, id)
}

func (s *Service) handleCompute(ctx context.Context, job *jobqueue.Job, progress jobqueue.Progress) (any, error) {
	var p ComputePayload
	if err := job.Decode(&p); err != nil {
		return nil, err
	}
	if err := validateStruct(p); err != nil {
		return nil, err
	}
	progress(10)

	result := Compute(p.Parameters)
	progress(70)

	if key, err := revalidate.ProjectionKey(p.ScopeID, p.Parameters); err == nil {
		s.cache.KV().SetJSON(ctx, key, result, s.config.ProjectionTTL)
	}
	revalidate.Store(ctx, s.cache, distributionKey(p.ScopeID, p.ScenarioID),
		s.distribution(p.ScopeID, p.ScenarioID, p.Parameters, result),
		s.config.FreshTTL, s.config.StaleTTL)
	return result, nil
}

// ExportKey is where a rendered document is kept.
func ExportKey(jobID string) string {
	return "export:" + jobID
}

func (s *Service) handleExport(ctx context.Context, job *jobqueue.Job, progress jobqueue.Progress) (any, error) {
	var req ExportRequest
	if err := job.Decode(&req); err != nil {
		return nil, err
	}
	renderer, ok := s.renderers[req.Format]
	if !ok {
		return nil, fmt.Errorf("no renderer installed for %s exports", req.Format)
	}

	var data Distribution
	if req.Data != nil {
		data = *req.Data
	} else {
		d, err := s.GetDistribution(ctx, req.ScopeID, "")
		if err != nil {
			return nil, fmt.Errorf("load distribution %s: %w", req.ScopeID, err)
		}
		data = d
	}
	progress(30)

	doc, err := renderer.Render(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", req.Format, err)
	}
	progress(90)

	key := ExportKey(job.ID)
	s.cache.KV().Set(ctx, key, doc, s.config.ExportTTL)
	return ExportResult{
		Key:         key,
		Format:      req.Format,
		ContentType: renderer.ContentType(),
		Size:        len(doc),
	}, nil
}
