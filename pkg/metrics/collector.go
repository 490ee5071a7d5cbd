//go:build linux

// Package metrics exposes the limiter state to Prometheus.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/ja7ad/cpulimit/pkg/group"
	"github.com/ja7ad/cpulimit/pkg/limiter"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

const namespace = "cpulimit"

// Collector records controller observations and serves them as
// Prometheus metrics. It implements limiter.Recorder and
// prometheus.Collector; the controller writes, the scrape reads.
type Collector struct {
	mu sync.Mutex

	last    limiter.PeriodStats
	periods uint64
	evicted uint64
	signals map[signalKey]uint64
	updated time.Time
	now     func() time.Time

	usage     *prometheus.Desc
	smoothed  *prometheus.Desc
	limit     *prometheus.Desc
	work      *prometheus.Desc
	sleep     *prometheus.Desc
	members   *prometheus.Desc
	throttled *prometheus.Desc
	periodsD  *prometheus.Desc
	evictedD  *prometheus.Desc
	signalsD  *prometheus.Desc
}

var (
	_ limiter.Recorder     = (*Collector)(nil)
	_ prometheus.Collector = (*Collector)(nil)
)

type signalKey struct {
	signal string
	result string
}

// Signal delivery results.
const (
	ResultSent   = "sent"
	ResultGone   = "gone"
	ResultDenied = "denied"
)

// NewCollector returns a collector labelled with the target pid.
func NewCollector(target int) *Collector {
	labels := prometheus.Labels{"target": strconv.Itoa(target)}
	desc := func(name, help string, vars ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, vars, labels)
	}
	return &Collector{
		signals:   make(map[signalKey]uint64),
		now:       time.Now,
		usage:     desc("usage_ratio", "Aggregate CPU usage of the group in CPUs, last period."),
		smoothed:  desc("smoothed_usage_ratio", "Usage fed to the control law."),
		limit:     desc("limit_ratio", "Configured CPU budget in CPUs."),
		work:      desc("work_seconds", "Run time granted per period."),
		sleep:     desc("sleep_seconds", "Stop time per period."),
		members:   desc("members", "Processes in the limited group."),
		throttled: desc("throttled", "1 when the group is being stopped every period."),
		periodsD:  desc("periods_total", "Control periods completed."),
		evictedD:  desc("evictions_total", "Members evicted after exit or a failed signal."),
		signalsD:  desc("signals_total", "Signals sent to group members by result.", "signal", "result"),
	}
}

// ObservePeriod implements limiter.Recorder.
func (c *Collector) ObservePeriod(p limiter.PeriodStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = p
	c.periods++
	c.evicted += uint64(p.Evicted)
	c.updated = c.now()
}

// ObserveSignals implements limiter.Recorder.
func (c *Collector) ObserveSignals(r group.SignalReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := unix.SignalName(r.Signal)
	c.signals[signalKey{name, ResultSent}] += uint64(r.Sent)
	for _, f := range r.Failed {
		res := ResultDenied
		if f.Gone() {
			res = ResultGone
		}
		c.signals[signalKey{name, res}]++
		c.evicted++
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.usage, c.smoothed, c.limit, c.work, c.sleep, c.members,
		c.throttled, c.periodsD, c.evictedD, c.signalsD,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var throttled float64
	if c.last.Phase == limiter.Throttled {
		throttled = 1
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	gauge(c.usage, c.last.Usage)
	gauge(c.smoothed, c.last.Smoothed)
	gauge(c.limit, c.last.Limit)
	gauge(c.work, c.last.Work.Seconds())
	gauge(c.sleep, c.last.Sleep.Seconds())
	gauge(c.members, float64(c.last.Members))
	gauge(c.throttled, throttled)

	ch <- prometheus.MustNewConstMetric(c.periodsD, prometheus.CounterValue, float64(c.periods))
	ch <- prometheus.MustNewConstMetric(c.evictedD, prometheus.CounterValue, float64(c.evicted))
	for k, v := range c.signals {
		ch <- prometheus.MustNewConstMetric(c.signalsD, prometheus.CounterValue, float64(v), k.signal, k.result)
	}
}

// Status is the JSON view served on /status.
type Status struct {
	Phase     string    `json:"phase"`
	Period    int       `json:"period"`
	Usage     float64   `json:"usage"`
	Smoothed  float64   `json:"smoothed"`
	Limit     float64   `json:"limit"`
	WorkMS    float64   `json:"work_ms"`
	SleepMS   float64   `json:"sleep_ms"`
	Members   int       `json:"members"`
	Evictions uint64    `json:"evictions"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Status returns the latest observation.
func (c *Collector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Phase:     c.last.Phase.String(),
		Period:    c.last.Period,
		Usage:     c.last.Usage,
		Smoothed:  c.last.Smoothed,
		Limit:     c.last.Limit,
		WorkMS:    float64(c.last.Work) / float64(time.Millisecond),
		SleepMS:   float64(c.last.Sleep) / float64(time.Millisecond),
		Members:   c.last.Members,
		Evictions: c.evicted,
		UpdatedAt: c.updated,
	}
}
