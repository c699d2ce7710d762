package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the supervisor reports into. Nop discards everything.
type Recorder interface {
	BotStarted(trigger string)
	BotStopped(outcome string)
	BotRevived(attempt int, delay time.Duration)
	BotDead()
	BotRecycled()
	SpawnDuration(d time.Duration, err error)
	CreditTick(exhausted bool)
	LiveBots(n int)
	MemoryUtilization(u float64)
}

type Nop struct{}

func (Nop) BotStarted(string)                  {}
func (Nop) BotStopped(string)                  {}
func (Nop) BotRevived(int, time.Duration)      {}
func (Nop) BotDead()                           {}
func (Nop) BotRecycled()                       {}
func (Nop) SpawnDuration(time.Duration, error) {}
func (Nop) CreditTick(bool)                    {}
func (Nop) LiveBots(int)                       {}
func (Nop) MemoryUtilization(float64)          {}

// Collector keeps supervisor metrics in its own registry. Labels never carry
// bot or tenant ids to keep cardinality bounded.
type Collector struct {
	starts      *prometheus.CounterVec
	stops       *prometheus.CounterVec
	revivals    prometheus.Counter
	backoff     prometheus.Histogram
	dead        prometheus.Counter
	recycles    prometheus.Counter
	spawn       *prometheus.HistogramVec
	creditTicks *prometheus.CounterVec
	live        prometheus.Gauge
	memory      prometheus.Gauge

	registry *prometheus.Registry
}

func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "botfleet"
	}
	c := &Collector{registry: prometheus.NewRegistry()}

	c.starts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bot_starts_total",
		Help:      "Bot process spawns by trigger (start, restart, revive, recycle, readopt)",
	}, []string{"trigger"})
	c.stops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bot_exits_total",
		Help:      "Bot process terminations by outcome (clean, crash, manual, credits)",
	}, []string{"outcome"})
	c.revivals = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bot_revivals_scheduled_total",
		Help:      "Crash revivals scheduled by the recovery loop",
	})
	c.backoff = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "bot_revival_backoff_seconds",
		Help:      "Backoff delay applied before a revival",
		Buckets:   []float64{1, 5, 10, 20, 40, 80, 160, 300},
	})
	c.dead = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bot_dead_total",
		Help:      "Bots abandoned after exhausting the restart ceiling",
	})
	c.recycles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bot_recycles_total",
		Help:      "Bots recycled by the resource governor",
	})
	c.spawn = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "bot_spawn_duration_seconds",
		Help:      "Time spent materializing and launching a bot",
		Buckets:   prometheus.DefBuckets,
	}, []string{"status"})
	c.creditTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credit_ticks_total",
		Help:      "Metering ticks, split by whether they exhausted the balance",
	}, []string{"exhausted"})
	c.live = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "bots_live",
		Help:      "Live process entries",
	})
	c.memory = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "host_memory_utilization_ratio",
		Help:      "Last sampled host memory utilization",
	})

	c.registry.MustRegister(
		c.starts, c.stops, c.revivals, c.backoff, c.dead, c.recycles,
		c.spawn, c.creditTicks, c.live, c.memory,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) BotStarted(trigger string) { c.starts.WithLabelValues(trigger).Inc() }
func (c *Collector) BotStopped(outcome string) { c.stops.WithLabelValues(outcome).Inc() }

func (c *Collector) BotRevived(_ int, delay time.Duration) {
	c.revivals.Inc()
	c.backoff.Observe(delay.Seconds())
}

func (c *Collector) BotDead()     { c.dead.Inc() }
func (c *Collector) BotRecycled() { c.recycles.Inc() }

func (c *Collector) SpawnDuration(d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.spawn.WithLabelValues(status).Observe(d.Seconds())
}

func (c *Collector) CreditTick(exhausted bool) {
	label := "false"
	if exhausted {
		label = "true"
	}
	c.creditTicks.WithLabelValues(label).Inc()
}

func (c *Collector) LiveBots(n int)              { c.live.Set(float64(n)) }
func (c *Collector) MemoryUtilization(u float64) { c.memory.Set(u) }
