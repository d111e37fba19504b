package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/satishbabariya/meshsync/internal/config"
	"github.com/sirupsen/logrus"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Service owns the metrics registry and the health checks
type Service struct {
	config *config.MonitoringConfig
	logger *logrus.Entry

	registry *prometheus.Registry
	metrics  *Metrics

	goRoutines  prometheus.Gauge
	memoryUsage prometheus.Gauge

	healthChecks map[string]HealthCheck
	healthMutex  sync.RWMutex

	startTime time.Time
}

// HealthCheck represents a health check function
type HealthCheck func() HealthStatus

// HealthStatus represents the status of a health check
type HealthStatus struct {
	Name      string        `json:"name"`
	Status    string        `json:"status"` // healthy, unhealthy
	Message   string        `json:"message,omitempty"`
	Details   interface{}   `json:"details,omitempty"`
	LastCheck time.Time     `json:"last_check"`
	Duration  time.Duration `json:"duration"`
}

// NewService creates a new monitoring service
func NewService(config *config.MonitoringConfig, logger *logrus.Entry) *Service {
	registry := prometheus.NewRegistry()

	s := &Service{
		config:       config,
		logger:       logger,
		registry:     registry,
		metrics:      NewMetrics(registry),
		healthChecks: make(map[string]HealthCheck),
		startTime:    time.Now(),
		goRoutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshsync_go_routines",
			Help: "Number of goroutines",
		}),
		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshsync_memory_usage_bytes",
			Help: "Heap bytes allocated",
		}),
	}
	registry.MustRegister(s.goRoutines, s.memoryUsage)

	s.RegisterHealthCheck("memory", s.memoryHealthCheck)
	s.RegisterHealthCheck("goroutines", s.goroutineHealthCheck)

	return s
}

// Metrics returns the collectors shared with the other components
func (s *Service) Metrics() *Metrics {
	if s == nil {
		return nil
	}
	return s.metrics
}

// Handler serves the registry in the Prometheus text format
func (s *Service) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Uptime returns how long the service has existed
func (s *Service) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Run collects system metrics until ctx is cancelled
func (s *Service) Run(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("Monitoring disabled, skipping system metrics")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	s.collectSystemMetrics()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.collectSystemMetrics()
		}
	}
}

func (s *Service) collectSystemMetrics() {
	s.goRoutines.Set(float64(runtime.NumGoroutine()))

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	s.memoryUsage.Set(float64(m.Alloc))
}

// RegisterHealthCheck registers a new health check
func (s *Service) RegisterHealthCheck(name string, check HealthCheck) {
	s.healthMutex.Lock()
	defer s.healthMutex.Unlock()
	s.healthChecks[name] = check
}

// HealthStatuses runs every check and returns the results sorted by name
// together with the overall status
func (s *Service) HealthStatuses() (string, []HealthStatus) {
	s.healthMutex.RLock()
	checks := make(map[string]HealthCheck, len(s.healthChecks))
	for name, check := range s.healthChecks {
		checks[name] = check
	}
	s.healthMutex.RUnlock()

	overall := StatusHealthy
	statuses := make([]HealthStatus, 0, len(checks))
	for name, check := range checks {
		start := time.Now()
		status := check()
		status.Name = name
		status.LastCheck = start
		status.Duration = time.Since(start)
		if status.Status == StatusUnhealthy {
			overall = StatusUnhealthy
			s.logger.WithFields(logrus.Fields{
				"check":   name,
				"message": status.Message,
			}).Warn("Health check failed")
		}
		statuses = append(statuses, status)
	}

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return overall, statuses
}

func (s *Service) memoryHealthCheck() HealthStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	// Consider unhealthy if using more than 1GB
	const maxMemory = 1024 * 1024 * 1024

	status := StatusHealthy
	message := fmt.Sprintf("Memory usage: %d MB", m.Alloc/1024/1024)

	if m.Alloc > maxMemory {
		status = StatusUnhealthy
		message = fmt.Sprintf("High memory usage: %d MB", m.Alloc/1024/1024)
	}

	return HealthStatus{
		Status:  status,
		Message: message,
		Details: map[string]interface{}{
			"alloc_bytes": m.Alloc,
			"sys_bytes":   m.Sys,
			"num_gc":      m.NumGC,
		},
	}
}

func (s *Service) goroutineHealthCheck() HealthStatus {
	count := runtime.NumGoroutine()

	const maxGoroutines = 1000

	status := StatusHealthy
	message := fmt.Sprintf("Goroutines: %d", count)

	if count > maxGoroutines {
		status = StatusUnhealthy
		message = fmt.Sprintf("High goroutine count: %d", count)
	}

	return HealthStatus{
		Status:  status,
		Message: message,
		Details: map[string]interface{}{
			"count": count,
		},
	}
}
