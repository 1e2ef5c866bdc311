package stats

import (
	"encoding/json"
	"expvar"
	"log"
	"net/http"
	"sync"
	"time"
)

const (
	NumActiveConnections = "NumActiveConnections"
	NumActiveRooms       = "NumActiveRooms"
	NumEventsDelivered   = "NumEventsDelivered"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
}

// StatsUpdater owns the relay counters. Updates are applied by a single
// goroutine between Run and Stop; updates sent after Stop are dropped.
type StatsUpdater struct {
	log      *log.Logger
	vars     *expvar.Map
	updates  chan metricDelta
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type metricDelta struct {
	name  string
	delta int64
}

// NewStatsUpdater mounts the counters on mux under GET /debug/vars. Each
// updater has its own expvar.Map so several can live in one process.
func NewStatsUpdater(logger *log.Logger, mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		log:     logger,
		vars:    new(expvar.Map).Init(),
		updates: make(chan metricDelta, 512),
		done:    make(chan struct{}),
	}

	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))

	mux.HandleFunc("GET /debug/vars", su.serveVars)

	return su
}

func (su *StatsUpdater) serveVars(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(su.Snapshot()); err != nil {
		su.log.Printf("write stats: %v", err)
	}
}

// Snapshot returns the current value of every metric.
func (su *StatsUpdater) Snapshot() map[string]any {
	out := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		if err := json.Unmarshal([]byte(kv.Value.String()), &value); err != nil {
			value = kv.Value.String()
		}
		out[kv.Key] = value
	})
	return out
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, new(expvar.Int))
}

func (su *StatsUpdater) Incr(name string) {
	su.send(metricDelta{name: name, delta: 1})
}

func (su *StatsUpdater) Decr(name string) {
	su.send(metricDelta{name: name, delta: -1})
}

func (su *StatsUpdater) send(d metricDelta) {
	select {
	case <-su.done:
		return
	default:
	}

	select {
	case su.updates <- d:
	case <-su.done:
	}
}

func (su *StatsUpdater) apply(d metricDelta) {
	counter, ok := su.vars.Get(d.name).(*expvar.Int)
	if !ok {
		su.log.Printf("dropping update for unregistered metric %q", d.name)
		return
	}
	counter.Add(d.delta)
}

// Run starts applying updates in the background.
func (su *StatsUpdater) Run() {
	su.wg.Add(1)
	go func() {
		defer su.wg.Done()
		for {
			select {
			case d := <-su.updates:
				su.apply(d)
			case <-su.done:
				su.drain()
				return
			}
		}
	}()
}

func (su *StatsUpdater) drain() {
	for {
		select {
		case d := <-su.updates:
			su.apply(d)
		default:
			return
		}
	}
}

// Stop applies the updates already queued and waits for Run to return. It is
// safe to call more than once.
func (su *StatsUpdater) Stop() {
	su.stopOnce.Do(func() { close(su.done) })
	su.wg.Wait()
}
