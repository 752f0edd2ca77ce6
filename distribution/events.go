package distribution

import (
	"context"

	"encore.dev/cron"
	"encore.dev/pubsub"
	"go.uber.org/zap"

	events "distribution.app/pkg/pubsub"
)

// TableChanged carries events.TableChangedEvent from the services owning the
// campaign tables.
var TableChanged = pubsub.NewTopic[*events.TableChangedEvent](
	"table-changed",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

var _ = pubsub.NewSubscription(
	TableChanged,
	"distribution-refresh-views",
	pubsub.SubscriptionConfig[*events.TableChangedEvent]{
		Handler: HandleTableChanged,
	},
)

// HandleTableChanged enqueues refreshes of the views reading the table.
func HandleTableChanged(ctx context.Context, event *events.TableChangedEvent) error {
	s, err := initService()
	if err != nil {
		return err
	}
	if err := event.Validate(); err != nil {
		// Redelivery cannot fix a malformed event.
		s.rt.Logger.Warn("dropping table change", zap.Error(err))
		return nil
	}
	views := s.rt.Scheduler.OnTableChanged(ctx, event.Table)
	s.rt.Logger.Debug("table change handled",
		zap.String("table", event.Table),
		zap.String("operation", event.Operation),
		zap.Strings("views", views))
	return nil
}

// MetricsSweep evicts idle operation metrics every hour.
var _ = cron.NewJob("metrics-sweep", cron.JobConfig{
	Title:    "Evict idle operation metrics",
	Every:    1 * cron.Hour,
	Endpoint: SweepMetrics,
})

//encore:api private
func SweepMetrics(ctx context.Context) error {
	s, err := initService()
	if err != nil {
		return err
	}
	s.rt.Recorder.Sweep()
	return nil
}
