package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"collectorflow/config"
	"collectorflow/internal/collector"
	"collectorflow/internal/metrics"
	"collectorflow/logger"
)

// Options wires the server to the running collectors.
type Options struct {
	Manager *collector.Manager
	// Gatherer backs GET /metrics. Without it the endpoint is not mounted.
	Gatherer prometheus.Gatherer
	// Registerer, when set, receives the liveness and readiness gauges.
	Registerer prometheus.Registerer
	// ReadinessChecks are added to /ready next to the collector check.
	ReadinessChecks map[string]healthcheck.Check
}

// Server hosts the operational HTTP surface of the collectors.
type Server struct {
	cfg             config.DashboardConfig
	log             *logger.Log
	manager         *collector.Manager
	gatherer        prometheus.Gatherer
	checks          healthcheck.Handler
	metricStore     *metricStore
	logStore        *logStore
	metricHandler   metrics.MetricHandlerID
	httpServer      *http.Server
	resourceSampler *resourceSampler
	backfillCtx     context.Context
	backfillCancel  context.CancelFunc
}

// NewServer constructs a dashboard server when the dashboard feature is enabled.
// When the dashboard is disabled the returned server will be nil.
func NewServer(cfg config.DashboardConfig, log *logger.Log, opts Options) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if opts.Manager == nil {
		return nil, errors.New("dashboard requires a collector manager")
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	var checks healthcheck.Handler
	if opts.Registerer != nil {
		checks = healthcheck.NewMetricsHandler(opts.Registerer, "collectorflow")
	} else {
		checks = healthcheck.NewHandler()
	}
	checks.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	checks.AddReadinessCheck("collectors", collectorsRunning(opts.Manager))
	for name, check := range opts.ReadinessChecks {
		checks.AddReadinessCheck(name, healthcheck.Timeout(check, 2*time.Second))
	}

	backfillCtx, backfillCancel := context.WithCancel(context.Background())
	return &Server{
		cfg:             cfg,
		log:             log,
		manager:         opts.Manager,
		gatherer:        opts.Gatherer,
		checks:          checks,
		metricStore:     metricStore,
		logStore:        logStore,
		metricHandler:   handlerID,
		resourceSampler: newResourceSampler(cfg.MetricsHistory, cfg.RefreshInterval, "/", log),
		backfillCtx:     backfillCtx,
		backfillCancel:  backfillCancel,
	}, nil
}

// collectorsRunning fails readiness once any runtime drains or stops.
func collectorsRunning(m *collector.Manager) healthcheck.Check {
	return func() error {
		for _, rt := range m.List() {
			switch st := rt.State(); st {
			case collector.StateDraining, collector.StateStopped:
				return errors.New(rt.Name() + " is " + strings.ToLower(string(st)))
			}
		}
		return nil
	}
}

// Run starts the dashboard HTTP server and blocks until the provided context is
// cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}

	if s.resourceSampler != nil {
		s.resourceSampler.start(ctx)
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("dashboard listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.backfillCancel != nil {
		s.backfillCancel()
	}
	if s.logStore != nil {
		s.logStore.close()
	}
	if s.resourceSampler != nil {
		s.resourceSampler.stop()
	}
}

// Address reports the network address the dashboard server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/", func(c *gin.Context) {
		names := make([]string, 0)
		for _, rt := range s.manager.List() {
			names = append(names, rt.Name())
		}
		c.JSON(http.StatusOK, gin.H{
			"app":                 appName,
			"collectors":          names,
			"refresh_interval_ms": int(s.cfg.RefreshInterval / time.Millisecond),
		})
	})

	router.GET("/health", s.handleHealth)
	router.GET("/collectors", s.handleCollectors)
	byName := router.Group("/collectors/:name")
	byName.GET("/health", s.handleCollectorHealth)
	byName.GET("/metrics", s.handleCollectorMetrics)
	byName.GET("/history", s.handleCollectorHistory)
	byName.POST("/collect", s.handleCollect)
	byName.POST("/backfill", s.handleBackfill)

	router.GET("/live", gin.WrapF(s.checks.LiveEndpoint))
	router.GET("/ready", gin.WrapF(s.checks.ReadyEndpoint))
	if s.gatherer != nil {
		router.GET("/metrics", gin.WrapH(metrics.Handler(s.gatherer)))
	}

	router.GET("/api/metrics", func(c *gin.Context) {
		metricsSnapshot := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(metricsSnapshot))
		for _, m := range metricsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	// ?component= and ?level= narrow the returned entries.
	router.GET("/api/logs", func(c *gin.Context) {
		minLevel := logrus.TraceLevel
		if raw := c.Query("level"); raw != "" {
			lvl, err := logrus.ParseLevel(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			minLevel = lvl
		}
		logsSnapshot := s.logStore.query(c.Query("component"), minLevel)
		payload := make([]gin.H, 0, len(logsSnapshot))
		for _, l := range logsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": l.Timestamp.Format(time.RFC3339Nano),
				"level":     l.Level,
				"component": l.Component,
				"message":   l.Message,
				"fields":    l.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"logs": payload})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		snapshots := s.resourceSampler.snapshot()
		payload := make([]gin.H, 0, len(snapshots))
		for _, snap := range snapshots {
			payload = append(payload, gin.H{
				"timestamp":      snap.Timestamp.Format(time.RFC3339Nano),
				"cpu_percent":    snap.CPUPercent,
				"memory_used":    snap.MemoryUsed,
				"memory_total":   snap.MemoryTotal,
				"memory_percent": snap.MemoryPct,
				"disk_used":      snap.DiskUsed,
				"disk_total":     snap.DiskTotal,
				"disk_percent":   snap.DiskPct,
			})
		}
		c.JSON(http.StatusOK, gin.H{"resources": payload})
	})

	return router, nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
