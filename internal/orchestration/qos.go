package orchestration

import (
	"context"
	"sync"
	"time"

	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/pkg"
	"github.com/sirupsen/logrus"
)

// Monitor keeps provider QoS measurements in memory. Measurements come
// from declared values or external probes; entries older than maxAge
// are swept so a provider that stopped reporting does not keep ranking
// on stale numbers.
type Monitor struct {
	mu           sync.RWMutex
	measurements map[string]pkg.QoSMeasurement
	maxAge       time.Duration
	logger       *logrus.Logger
	ctx          context.Context
	cancel       context.CancelFunc
}

func NewMonitor(maxAge time.Duration, logger *logrus.Logger) *Monitor {
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		measurements: make(map[string]pkg.QoSMeasurement),
		maxAge:       maxAge,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}

	go m.sweeper()
	return m
}

// Record stores or replaces the measurement for one provider.
func (m *Monitor) Record(measurement pkg.QoSMeasurement) {
	if measurement.ProviderKey == "" {
		return
	}
	if measurement.MeasuredAt.IsZero() {
		measurement.MeasuredAt = time.Now()
	}

	m.mu.Lock()
	m.measurements[measurement.ProviderKey] = measurement
	m.mu.Unlock()
}

// Snapshot returns a copy of the current measurements.
func (m *Monitor) Snapshot() map[string]pkg.QoSMeasurement {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := make(map[string]pkg.QoSMeasurement, len(m.measurements))
	for key, measurement := range m.measurements {
		snapshot[key] = measurement
	}
	return snapshot
}

func (m *Monitor) Shutdown() {
	m.cancel()
}

func (m *Monitor) sweeper() {
	ticker := time.NewTicker(m.maxAge / 2)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Monitor) sweep() {
	cutoff := time.Now().Add(-m.maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, measurement := range m.measurements {
		if measurement.MeasuredAt.Before(cutoff) {
			delete(m.measurements, key)
			m.logger.WithField("provider", key).Debug("Evicted stale QoS measurement")
		}
	}
}
