package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds the Prometheus collectors the scheduler and intervention
// manager report against, on an isolated registry so multiple instances
// (e.g. in tests) never collide on double-registration.
type Metrics struct {
	registry *prometheus.Registry

	QueueGlobalLength    prometheus.Gauge
	QueuePerDroneLength  *prometheus.GaugeVec
	TasksEnqueuedTotal   prometheus.Counter
	TasksQueuedTotal     *prometheus.CounterVec
	TasksDispatchedTotal *prometheus.CounterVec
	TasksRequeuedTotal   prometheus.Counter

	CommandsAckTimeoutTotal   *prometheus.CounterVec
	CommandsAcknowledgedTotal *prometheus.CounterVec
	CommandsCompletedTotal    *prometheus.CounterVec
	CommandsFailedTotal       *prometheus.CounterVec

	TasksPersonaMissingRetryTotal    prometheus.Counter
	TasksPersonaMissingFailedTotal   prometheus.Counter
	TasksPersonaMissingRequeuedTotal prometheus.Counter

	DomainSessionsActive *prometheus.GaugeVec

	DroneInterventionsTotal       *prometheus.CounterVec
	DroneInterventionWindowMs     prometheus.Histogram
	DroneInterventionTimeouts     prometheus.Counter
	DroneInterventionStepTimeouts prometheus.Counter
}

// New creates and registers a Metrics instance on a fresh registry.
func New() *Metrics {
	m := newMetrics()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		m.QueueGlobalLength, m.QueuePerDroneLength,
		m.TasksEnqueuedTotal, m.TasksQueuedTotal, m.TasksDispatchedTotal, m.TasksRequeuedTotal,
		m.CommandsAckTimeoutTotal, m.CommandsAcknowledgedTotal, m.CommandsCompletedTotal, m.CommandsFailedTotal,
		m.TasksPersonaMissingRetryTotal, m.TasksPersonaMissingFailedTotal, m.TasksPersonaMissingRequeuedTotal,
		m.DomainSessionsActive,
		m.DroneInterventionsTotal, m.DroneInterventionWindowMs, m.DroneInterventionTimeouts, m.DroneInterventionStepTimeouts,
	)
	m.registry = reg
	return m
}

// Noop returns a Metrics instance that is never registered anywhere, used
// when metrics collection is disabled.
func Noop() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		QueueGlobalLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_global_length", Help: "Current depth of the priority ready queue.",
		}),
		QueuePerDroneLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_per_drone_length", Help: "Current depth of each drone's per-drone queue.",
		}, []string{"drone_id"}),
		TasksEnqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_enqueued_total", Help: "Total tasks submitted to the ready queue.",
		}),
		TasksQueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasks_queued_total", Help: "Total tasks enqueued to a per-drone queue.",
		}, []string{"drone_id"}),
		TasksDispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasks_dispatched_total", Help: "Total commands published to a drone.",
		}, []string{"drone_id"}),
		TasksRequeuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_requeued_total", Help: "Total tasks re-enqueued onto the ready queue.",
		}),
		CommandsAckTimeoutTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commands_ack_timeout_total", Help: "Total commands that timed out waiting for acknowledgement.",
		}, []string{"drone_id"}),
		CommandsAcknowledgedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commands_acknowledged_total", Help: "Total commands acknowledged by a drone.",
		}, []string{"drone_id"}),
		CommandsCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commands_completed_total", Help: "Total commands completed successfully.",
		}, []string{"drone_id"}),
		CommandsFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commands_failed_total", Help: "Total commands that failed.",
		}, []string{"drone_id"}),
		TasksPersonaMissingRetryTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_persona_missing_retry_total", Help: "Total persona-missing retry attempts scheduled.",
		}),
		TasksPersonaMissingFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_persona_missing_failed_total", Help: "Total tasks dead-lettered after exhausting persona-missing retries.",
		}),
		TasksPersonaMissingRequeuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_persona_missing_requeued_total", Help: "Total persona-missing retries that found a persona and were re-enqueued.",
		}),
		DomainSessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "domain_sessions_active", Help: "Active sessions per registrable domain.",
		}, []string{"domain"}),
		DroneInterventionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drone_interventions_total", Help: "Total interventions initiated, by reason.",
		}, []string{"reason"}),
		DroneInterventionWindowMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "drone_intervention_window_ms",
			Help:    "Duration of intervention windows in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 12),
		}),
		DroneInterventionTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drone_intervention_timeouts", Help: "Total intervention window timeouts.",
		}),
		DroneInterventionStepTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drone_intervention_step_timeouts", Help: "Total intervention step timeouts.",
		}),
	}
}

// ServeHTTP starts the Prometheus metrics HTTP endpoint and shuts it down
// gracefully when ctx is cancelled. Call in a goroutine.
func (m *Metrics) ServeHTTP(ctx context.Context, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	log.Info().Str("addr", srv.Addr).Msg("prometheus metrics endpoint listening")

	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("metrics server shutdown error")
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("metrics server error")
	}
}
