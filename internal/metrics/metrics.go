package metrics

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Registry holds process-wide counters. A nil *Registry ignores every call.
type Registry struct {
	eventsObserved       atomic.Int64
	discoveryDuplicates  atomic.Int64
	watchersStarted      atomic.Int64
	watchersCompleted    atomic.Int64
	watchersCancelled    atomic.Int64
	evaluations          atomic.Int64
	listingErrors        atomic.Int64
	notificationErrors   atomic.Int64
	notificationRestarts atomic.Int64
	notificationResyncs  atomic.Int64
	busDropped           atomic.Int64
	dispatches           sync.Map
}

type dispatchStats struct {
	count         atomic.Int64
	durationNanos atomic.Int64
}

// Dispatch outcomes used as the outcome label.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDryRun  = "dry_run"
	OutcomeAborted = "aborted"
)

var Default = &Registry{}

// Gauge is a point-in-time value rendered alongside the counters.
type Gauge struct {
	Name  string
	Help  string
	Value int64
}

func (r *Registry) IncEventsObserved() {
	if r == nil {
		return
	}
	r.eventsObserved.Add(1)
}

func (r *Registry) IncDiscoveryDuplicate() {
	if r == nil {
		return
	}
	r.discoveryDuplicates.Add(1)
}

func (r *Registry) IncWatcherStarted() {
	if r == nil {
		return
	}
	r.watchersStarted.Add(1)
}

func (r *Registry) IncWatcherCompleted() {
	if r == nil {
		return
	}
	r.watchersCompleted.Add(1)
}

func (r *Registry) IncWatcherCancelled() {
	if r == nil {
		return
	}
	r.watchersCancelled.Add(1)
}

func (r *Registry) IncEvaluation() {
	if r == nil {
		return
	}
	r.evaluations.Add(1)
}

func (r *Registry) IncListingError() {
	if r == nil {
		return
	}
	r.listingErrors.Add(1)
}

func (r *Registry) IncNotificationError() {
	if r == nil {
		return
	}
	r.notificationErrors.Add(1)
}

func (r *Registry) IncNotificationRestart() {
	if r == nil {
		return
	}
	r.notificationRestarts.Add(1)
}

func (r *Registry) IncNotificationResync() {
	if r == nil {
		return
	}
	r.notificationResyncs.Add(1)
}

func (r *Registry) IncBusDropped() {
	if r == nil {
		return
	}
	r.busDropped.Add(1)
}

// RecordDispatch counts one delivery attempt under outcome.
func (r *Registry) RecordDispatch(outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	if strings.TrimSpace(outcome) == "" {
		outcome = "unknown"
	}
	stats := r.dispatchStats(outcome)
	stats.count.Add(1)
	stats.durationNanos.Add(duration.Nanoseconds())
}

// Snapshot is a plain copy of the counters.
type Snapshot struct {
	EventsObserved       int64            `json:"events_observed"`
	DiscoveryDuplicates  int64            `json:"discovery_duplicates"`
	WatchersStarted      int64            `json:"watchers_started"`
	WatchersCompleted    int64            `json:"watchers_completed"`
	WatchersCancelled    int64            `json:"watchers_cancelled"`
	Evaluations          int64            `json:"evaluations"`
	ListingErrors        int64            `json:"listing_errors"`
	NotificationErrors   int64            `json:"notification_errors"`
	NotificationRestarts int64            `json:"notification_restarts"`
	NotificationResyncs  int64            `json:"notification_resyncs"`
	BusDropped           int64            `json:"bus_dropped"`
	Dispatches           map[string]int64 `json:"dispatches"`
}

func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	snapshot := Snapshot{
		EventsObserved:       r.eventsObserved.Load(),
		DiscoveryDuplicates:  r.discoveryDuplicates.Load(),
		WatchersStarted:      r.watchersStarted.Load(),
		WatchersCompleted:    r.watchersCompleted.Load(),
		WatchersCancelled:    r.watchersCancelled.Load(),
		Evaluations:          r.evaluations.Load(),
		ListingErrors:        r.listingErrors.Load(),
		NotificationErrors:   r.notificationErrors.Load(),
		NotificationRestarts: r.notificationRestarts.Load(),
		NotificationResyncs:  r.notificationResyncs.Load(),
		BusDropped:           r.busDropped.Load(),
		Dispatches:           make(map[string]int64),
	}
	for _, outcome := range r.dispatchOutcomes() {
		snapshot.Dispatches[outcome] = r.dispatchStats(outcome).count.Load()
	}
	return snapshot
}

func (r *Registry) WritePrometheus(writer io.Writer, gauges ...Gauge) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "reportwatch_events_observed_total", "Filesystem events received by watchers", r.eventsObserved.Load())
	writeCounter(writer, "reportwatch_discovery_duplicates_total", "Discovery events for directories already registered", r.discoveryDuplicates.Load())
	writeCounter(writer, "reportwatch_watchers_started_total", "Submission watchers started", r.watchersStarted.Load())
	writeCounter(writer, "reportwatch_watchers_completed_total", "Submission watchers that dispatched", r.watchersCompleted.Load())
	writeCounter(writer, "reportwatch_watchers_cancelled_total", "Submission watchers stopped without dispatch", r.watchersCancelled.Load())
	writeCounter(writer, "reportwatch_evaluations_total", "Completion predicate evaluations", r.evaluations.Load())
	writeCounter(writer, "reportwatch_listing_errors_total", "Directory listing failures", r.listingErrors.Load())
	writeCounter(writer, "reportwatch_notification_errors_total", "Notification source errors", r.notificationErrors.Load())
	writeCounter(writer, "reportwatch_notification_restarts_total", "Notification source restarts", r.notificationRestarts.Load())
	writeCounter(writer, "reportwatch_notification_resyncs_total", "Rescans after lost notifications", r.notificationResyncs.Load())
	writeCounter(writer, "reportwatch_bus_dropped_total", "Lifecycle events dropped for slow subscribers", r.busDropped.Load())

	outcomes := r.dispatchOutcomes()
	sort.Strings(outcomes)

	writeHelp(writer, "reportwatch_dispatch_duration_seconds", "Dispatch duration in seconds")
	fmt.Fprintln(writer, "# TYPE reportwatch_dispatch_duration_seconds summary")
	for _, outcome := range outcomes {
		stats := r.dispatchStats(outcome)
		label := formatLabel(outcome)
		durationSeconds := float64(stats.durationNanos.Load()) / float64(time.Second)
		fmt.Fprintf(writer, "reportwatch_dispatch_duration_seconds_sum{outcome=%s} %.6f\n", label, durationSeconds)
		fmt.Fprintf(writer, "reportwatch_dispatch_duration_seconds_count{outcome=%s} %d\n", label, stats.count.Load())
	}

	for _, gauge := range gauges {
		writeHelp(writer, gauge.Name, gauge.Help)
		fmt.Fprintf(writer, "# TYPE %s gauge\n", gauge.Name)
		fmt.Fprintf(writer, "%s %s\n", gauge.Name, strconv.FormatInt(gauge.Value, 10))
	}
	return nil
}

func (r *Registry) dispatchStats(outcome string) *dispatchStats {
	value, _ := r.dispatches.LoadOrStore(outcome, &dispatchStats{})
	return value.(*dispatchStats)
}

func (r *Registry) dispatchOutcomes() []string {
	var outcomes []string
	r.dispatches.Range(func(key, value any) bool {
		if outcome, ok := key.(string); ok {
			outcomes = append(outcomes, outcome)
		}
		return true
	})
	return outcomes
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
