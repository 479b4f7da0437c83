package dashboard

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"

	"collectorflow/internal/collector"
	"collectorflow/logger"
)

var statusRank = map[collector.HealthStatus]int{
	collector.StatusHealthy:   0,
	collector.StatusDegraded:  1,
	collector.StatusUnhealthy: 2,
}

func httpStatusFor(status collector.HealthStatus) int {
	if status == collector.StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// handleHealth reports the worst status across all collectors.
func (s *Server) handleHealth(c *gin.Context) {
	all := s.manager.Health()
	overall := collector.StatusHealthy
	for _, h := range all {
		if statusRank[h.Status] > statusRank[overall] {
			overall = h.Status
		}
	}
	c.JSON(httpStatusFor(overall), gin.H{"status": overall, "collectors": all})
}

func (s *Server) handleCollectors(c *gin.Context) {
	runtimes := s.manager.List()
	out := make([]collector.Snapshot, 0, len(runtimes))
	for _, rt := range runtimes {
		out = append(out, rt.Snapshot())
	}
	c.JSON(http.StatusOK, gin.H{"collectors": out})
}

func (s *Server) runtime(c *gin.Context) (*collector.Runtime, bool) {
	rt, err := s.manager.Get(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	return rt, true
}

func (s *Server) handleCollectorHealth(c *gin.Context) {
	rt, ok := s.runtime(c)
	if !ok {
		return
	}
	h := rt.Health()
	c.JSON(httpStatusFor(h.Status), h)
}

func (s *Server) handleCollectorMetrics(c *gin.Context) {
	rt, ok := s.runtime(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"snapshot":      rt.Snapshot(),
		"recent_events": s.metricStore.forCollector(rt.Name()),
	})
}

// handleCollectorHistory returns retained outcomes, oldest first. ?limit=N
// keeps only the newest N.
func (s *Server) handleCollectorHistory(c *gin.Context) {
	rt, ok := s.runtime(c)
	if !ok {
		return
	}
	limit, err := cast.ToIntE(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return
	}
	outcomes := rt.History()
	if limit > 0 && len(outcomes) > limit {
		outcomes = outcomes[len(outcomes)-limit:]
	}
	c.JSON(http.StatusOK, gin.H{"collector": rt.Name(), "outcomes": outcomes})
}

func (s *Server) handleCollect(c *gin.Context) {
	rt, ok := s.runtime(c)
	if !ok {
		return
	}
	out, err := rt.TriggerCollect(c.Request.Context())
	if err != nil {
		c.JSON(triggerErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

// handleBackfill runs a backfill for {start, end, symbols, force}. With
// ?async=true it returns 202 and the run continues in the background.
func (s *Server) handleBackfill(c *gin.Context) {
	rt, ok := s.runtime(c)
	if !ok {
		return
	}
	var req collector.BackfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Start.IsZero() || req.End.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start and end are required"})
		return
	}

	if cast.ToBool(c.Query("async")) {
		go func() {
			summary, err := rt.TriggerBackfill(s.backfillCtx, req)
			log := s.log.WithComponent("dashboard").WithFields(logger.Fields{"collector": rt.Name()})
			if err != nil {
				log.WithError(err).Warn("background backfill not run")
				return
			}
			log.WithFields(logger.Fields{"run_id": summary.RunID, "windows": summary.Windows}).Info("background backfill finished")
		}()
		c.JSON(http.StatusAccepted, gin.H{"collector": rt.Name(), "status": "accepted"})
		return
	}

	summary, err := rt.TriggerBackfill(c.Request.Context(), req)
	if err != nil {
		c.JSON(triggerErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary, "failed_windows": summary.FailedWindows()})
}

func triggerErrorStatus(err error) int {
	switch {
	case errors.Is(err, collector.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, collector.ErrBackfillInProgress):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusBadRequest
	}
}
