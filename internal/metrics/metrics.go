package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Registry collects process-wide counters for the reactive cache and its
// watcher layer. All methods are safe on a nil receiver so call sites can
// stay unconditional.
type Registry struct {
	cellsCreated      atomic.Int64
	cellInvalidations atomic.Int64
	trackedRuns       atomic.Int64
	streamEmits       atomic.Int64

	watchEventsSeen    atomic.Int64
	watchEventsIgnored atomic.Int64
	watchFlushes       atomic.Int64
	watchDeliveries    atomic.Int64

	reads    sync.Map
	reinits  sync.Map
	busStats sync.Map
	busSubs  sync.Map
}

type readStats struct {
	count         atomic.Int64
	failures      atomic.Int64
	cacheHits     atomic.Int64
	durationNanos atomic.Int64
}

type busCounters struct {
	published atomic.Int64
	dropped   atomic.Int64
}

type busSubscribers struct {
	filtered   atomic.Int64
	unfiltered atomic.Int64
}

type busKey struct {
	bus   string
	event string
}

var Default = &Registry{}

func (r *Registry) IncCellCreated() {
	if r == nil {
		return
	}
	r.cellsCreated.Add(1)
}

func (r *Registry) IncCellInvalidated() {
	if r == nil {
		return
	}
	r.cellInvalidations.Add(1)
}

func (r *Registry) IncTrackedRun() {
	if r == nil {
		return
	}
	r.trackedRuns.Add(1)
}

func (r *Registry) IncStreamEmit() {
	if r == nil {
		return
	}
	r.streamEmits.Add(1)
}

func (r *Registry) IncWatchEventSeen() {
	if r == nil {
		return
	}
	r.watchEventsSeen.Add(1)
}

func (r *Registry) IncWatchEventIgnored() {
	if r == nil {
		return
	}
	r.watchEventsIgnored.Add(1)
}

func (r *Registry) IncWatchFlush() {
	if r == nil {
		return
	}
	r.watchFlushes.Add(1)
}

func (r *Registry) AddWatchDeliveries(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.watchDeliveries.Add(int64(count))
}

// RecordRead tracks one filesystem read operation. The op is the cache
// operation name (readFile, readDir, exists, stat).
func (r *Registry) RecordRead(op string, duration time.Duration, err error, cacheHit bool) {
	if r == nil {
		return
	}
	if strings.TrimSpace(op) == "" {
		op = "unknown"
	}
	stats := r.readStats(op)
	stats.count.Add(1)
	stats.durationNanos.Add(duration.Nanoseconds())
	if err != nil {
		stats.failures.Add(1)
	}
	if cacheHit {
		stats.cacheHits.Add(1)
	}
}

// IncPoolReinit tracks one watcher reinitialization under the given reason.
func (r *Registry) IncPoolReinit(reason string) {
	if r == nil {
		return
	}
	if strings.TrimSpace(reason) == "" {
		reason = "unknown"
	}
	value, _ := r.reinits.LoadOrStore(reason, &atomic.Int64{})
	value.(*atomic.Int64).Add(1)
}

func (r *Registry) IncEventPublished(bus, event string) {
	if r == nil {
		return
	}
	r.busCounters(bus, event).published.Add(1)
}

func (r *Registry) IncEventDropped(bus, event string) {
	if r == nil {
		return
	}
	r.busCounters(bus, event).dropped.Add(1)
}

func (r *Registry) SetEventSubscriberCounts(bus string, filtered, unfiltered int) {
	if r == nil {
		return
	}
	value, _ := r.busSubs.LoadOrStore(bus, &busSubscribers{})
	subs := value.(*busSubscribers)
	subs.filtered.Store(int64(filtered))
	subs.unfiltered.Store(int64(unfiltered))
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "specview_cells_created_total", "Total cache cells created", r.cellsCreated.Load())
	writeCounter(writer, "specview_cell_invalidations_total", "Total cell invalidations", r.cellInvalidations.Load())
	writeCounter(writer, "specview_tracked_runs_total", "Total tracked computation runs", r.trackedRuns.Load())
	writeCounter(writer, "specview_stream_emits_total", "Total stream emissions", r.streamEmits.Load())
	writeCounter(writer, "specview_watch_events_seen_total", "Raw filesystem events observed", r.watchEventsSeen.Load())
	writeCounter(writer, "specview_watch_events_ignored_total", "Filesystem events dropped by ignore rules", r.watchEventsIgnored.Load())
	writeCounter(writer, "specview_watch_flushes_total", "Debounced batch flushes", r.watchFlushes.Load())
	writeCounter(writer, "specview_watch_deliveries_total", "Event deliveries to subscriptions", r.watchDeliveries.Load())

	r.writeReads(writer)
	r.writeReinits(writer)
	r.writeBusStats(writer)

	return nil
}

func (r *Registry) writeReads(writer io.Writer) {
	ops := sortedKeys(&r.reads)
	if len(ops) == 0 {
		return
	}

	writeHelp(writer, "specview_read_duration_seconds", "Filesystem read duration in seconds")
	fmt.Fprintln(writer, "# TYPE specview_read_duration_seconds summary")
	writeHelp(writer, "specview_read_failures_total", "Failed filesystem reads")
	fmt.Fprintln(writer, "# TYPE specview_read_failures_total counter")
	writeHelp(writer, "specview_read_cache_hits_total", "Reads served from a fresh cell")
	fmt.Fprintln(writer, "# TYPE specview_read_cache_hits_total counter")

	for _, op := range ops {
		stats := r.readStats(op)
		label := formatLabel(op)
		durationSeconds := float64(stats.durationNanos.Load()) / float64(time.Second)
		fmt.Fprintf(writer, "specview_read_duration_seconds_sum{op=%s} %.6f\n", label, durationSeconds)
		fmt.Fprintf(writer, "specview_read_duration_seconds_count{op=%s} %d\n", label, stats.count.Load())
		fmt.Fprintf(writer, "specview_read_failures_total{op=%s} %d\n", label, stats.failures.Load())
		fmt.Fprintf(writer, "specview_read_cache_hits_total{op=%s} %d\n", label, stats.cacheHits.Load())
	}
}

func (r *Registry) writeReinits(writer io.Writer) {
	reasons := sortedKeys(&r.reinits)
	if len(reasons) == 0 {
		return
	}

	writeHelp(writer, "specview_pool_reinits_total", "Watcher reinitializations by reason")
	fmt.Fprintln(writer, "# TYPE specview_pool_reinits_total counter")
	for _, reason := range reasons {
		value, _ := r.reinits.Load(reason)
		fmt.Fprintf(writer, "specview_pool_reinits_total{reason=%s} %d\n", formatLabel(reason), value.(*atomic.Int64).Load())
	}
}

func (r *Registry) writeBusStats(writer io.Writer) {
	var keys []busKey
	r.busStats.Range(func(key, value interface{}) bool {
		if typed, ok := key.(busKey); ok {
			keys = append(keys, typed)
		}
		return true
	})
	if len(keys) > 0 {
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].bus != keys[j].bus {
				return keys[i].bus < keys[j].bus
			}
			return keys[i].event < keys[j].event
		})

		writeHelp(writer, "specview_events_published_total", "Events published per bus")
		fmt.Fprintln(writer, "# TYPE specview_events_published_total counter")
		writeHelp(writer, "specview_events_dropped_total", "Events dropped per bus")
		fmt.Fprintln(writer, "# TYPE specview_events_dropped_total counter")
		for _, key := range keys {
			counters := r.busCounters(key.bus, key.event)
			labels := fmt.Sprintf("bus=%s,event=%s", formatLabel(key.bus), formatLabel(key.event))
			fmt.Fprintf(writer, "specview_events_published_total{%s} %d\n", labels, counters.published.Load())
			fmt.Fprintf(writer, "specview_events_dropped_total{%s} %d\n", labels, counters.dropped.Load())
		}
	}

	buses := sortedKeys(&r.busSubs)
	if len(buses) == 0 {
		return
	}
	writeHelp(writer, "specview_event_subscribers", "Current subscribers per bus")
	fmt.Fprintln(writer, "# TYPE specview_event_subscribers gauge")
	for _, bus := range buses {
		value, _ := r.busSubs.Load(bus)
		subs := value.(*busSubscribers)
		label := formatLabel(bus)
		fmt.Fprintf(writer, "specview_event_subscribers{bus=%s,kind=\"filtered\"} %d\n", label, subs.filtered.Load())
		fmt.Fprintf(writer, "specview_event_subscribers{bus=%s,kind=\"unfiltered\"} %d\n", label, subs.unfiltered.Load())
	}
}

func (r *Registry) readStats(op string) *readStats {
	value, _ := r.reads.LoadOrStore(op, &readStats{})
	return value.(*readStats)
}

func (r *Registry) busCounters(bus, event string) *busCounters {
	value, _ := r.busStats.LoadOrStore(busKey{bus: bus, event: event}, &busCounters{})
	return value.(*busCounters)
}

func sortedKeys(m *sync.Map) []string {
	var keys []string
	m.Range(func(key, value interface{}) bool {
		if name, ok := key.(string); ok {
			keys = append(keys, name)
		}
		return true
	})
	sort.Strings(keys)
	return keys
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
	return "\"" + escaped + "\""
}
