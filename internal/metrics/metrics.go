// Package metrics exposes runner internals as Prometheus collectors.
package metrics

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "activity"

// Collector records what the runner does. A nil *Collector is valid and
// records nothing.
type Collector struct {
	commandsTotal     *prom.CounterVec
	decodeErrorsTotal prom.Counter
	live              prom.Gauge
	restartsTotal     *prom.CounterVec
	failuresTotal     *prom.CounterVec
	unknownTotal      *prom.CounterVec
	runSeconds        *prom.HistogramVec
}

// New creates and registers the collectors. Collectors already registered on
// reg are reused, so two runners in one process share them.
func New(reg prom.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}

	commands := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Commands processed by the runner.",
	}, []string{"kind"})
	decodeErrors := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "decode_errors_total",
		Help:      "Commands dropped because they could not be decoded.",
	})
	live := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "live",
		Help:      "Activities the runner keeps alive.",
	})
	restarts := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "restarts_total",
		Help:      "Activity restarts after the body returned without cancellation.",
	}, []string{"type"})
	failures := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "failures_total",
		Help:      "Activities which could not be instantiated, returned an error or panicked.",
	}, []string{"type"})
	unknown := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "unknown_total",
		Help:      "Starts of activity types missing from the registry.",
	}, []string{"type"})
	runSeconds := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "run_seconds",
		Help:      "How long a single activity body ran before it returned.",
		Buckets:   prom.ExponentialBuckets(0.1, 4, 10),
	}, []string{"type"})

	var err error
	if commands, err = registerCollector(reg, commands); err != nil {
		return nil, err
	}
	if decodeErrors, err = registerCollector(reg, decodeErrors); err != nil {
		return nil, err
	}
	if live, err = registerCollector(reg, live); err != nil {
		return nil, err
	}
	if restarts, err = registerCollector(reg, restarts); err != nil {
		return nil, err
	}
	if failures, err = registerCollector(reg, failures); err != nil {
		return nil, err
	}
	if unknown, err = registerCollector(reg, unknown); err != nil {
		return nil, err
	}
	if runSeconds, err = registerCollector(reg, runSeconds); err != nil {
		return nil, err
	}

	return &Collector{
		commandsTotal:     commands,
		decodeErrorsTotal: decodeErrors,
		live:              live,
		restartsTotal:     restarts,
		failuresTotal:     failures,
		unknownTotal:      unknown,
		runSeconds:        runSeconds,
	}, nil
}

func (c *Collector) Command(kind string) {
	if c == nil {
		return
	}
	c.commandsTotal.WithLabelValues(normalizeLabel(kind, "unknown")).Inc()
}

func (c *Collector) DecodeError() {
	if c == nil {
		return
	}
	c.decodeErrorsTotal.Inc()
}

func (c *Collector) Live(n int) {
	if c == nil {
		return
	}
	c.live.Set(float64(n))
}

func (c *Collector) Restart(typ string) {
	if c == nil {
		return
	}
	c.restartsTotal.WithLabelValues(normalizeLabel(typ, "unknown")).Inc()
}

func (c *Collector) Failure(typ string) {
	if c == nil {
		return
	}
	c.failuresTotal.WithLabelValues(normalizeLabel(typ, "unknown")).Inc()
}

func (c *Collector) Unknown(typ string) {
	if c == nil {
		return
	}
	c.unknownTotal.WithLabelValues(normalizeLabel(typ, "unknown")).Inc()
}

func (c *Collector) RunDuration(typ string, d time.Duration) {
	if c == nil {
		return
	}
	c.runSeconds.WithLabelValues(normalizeLabel(typ, "unknown")).Observe(d.Seconds())
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
