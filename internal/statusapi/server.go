// Package statusapi serves job status and Prometheus metrics over HTTP.
package statusapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zsiec/reel/internal/metrics"
	"github.com/zsiec/reel/internal/pipeline"
	"github.com/zsiec/reel/internal/stream"
)

// Server exposes the job manager and metrics.
type Server struct {
	log     *slog.Logger
	router  *gin.Engine
	mgr     *stream.Manager
	metrics *metrics.Metrics
}

// New creates a Server. m may be nil, in which case /metrics is not served.
func New(mgr *stream.Manager, m *metrics.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		log:     log.With("component", "statusapi"),
		mgr:     mgr,
		metrics: m,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	router := gin.New()
	router.Use(gin.Recovery(), s.logRequests)

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/v1/jobs", s.handleListJobs)
		api.GET("/v1/jobs/:key", s.handleGetJob)
		api.POST("/v1/jobs/:key/cancel", s.handleCancelJob)
	}
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	s.router = router
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("status API listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("status API: %w", err)
			return
		}
		errc <- nil
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errc
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.Debug("request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"elapsed", time.Since(start),
	)
}

// JobInfo is the JSON view of a job.
type JobInfo struct {
	Key        string      `json:"key"`
	Status     string      `json:"status"`
	StartedAt  time.Time   `json:"startedAt"`
	Progress   float64     `json:"progress"`
	Rate       float64     `json:"rate"`
	AvgRate    float64     `json:"avgRate"`
	ETASeconds float64     `json:"etaSeconds"`
	Frames     int64       `json:"frames"`
	Error      string      `json:"error,omitempty"`
	Reader     ReaderInfo  `json:"reader"`
	Muxer      MuxerInfo   `json:"muxer"`
	Pacer      *PacerInfo  `json:"pacer,omitempty"`
	Queues     []QueueInfo `json:"queues"`
}

type ReaderInfo struct {
	Chunks  int64 `json:"chunks"`
	Buffers int64 `json:"buffers"`
	Dropped int64 `json:"dropped"`
	Corrupt int64 `json:"corrupt"`
	Epochs  int64 `json:"epochs"`
}

type MuxerInfo struct {
	Buffered int64       `json:"buffered"`
	Forced   int64       `json:"forced"`
	Done     bool        `json:"done"`
	Tracks   []TrackInfo `json:"tracks"`
}

type TrackInfo struct {
	StreamID uint32 `json:"streamId"`
	Frames   int64  `json:"frames"`
	Bytes    int64  `json:"bytes"`
}

type PacerInfo struct {
	Frames int64 `json:"frames"`
	Drops  int64 `json:"drops"`
	Dups   int64 `json:"dups"`
	Lost   int64 `json:"lost"`
	Gained int64 `json:"gained"`
}

type QueueInfo struct {
	Name     string `json:"name"`
	Size     int    `json:"size"`
	Capacity int    `json:"capacity"`
}

// JobListResponse is the body of GET /api/v1/jobs.
type JobListResponse struct {
	Jobs  []JobInfo `json:"jobs"`
	Total int       `json:"total"`
}

func jobInfo(e *stream.Entry) JobInfo {
	info := JobInfo{Key: e.Key, StartedAt: e.StartedAt, Status: pipeline.StatusPending.String()}
	if e.Job == nil {
		return info
	}
	snap := e.Job.Snapshot()
	info.Status = snap.Status.String()
	info.Progress = snap.Progress.Progress
	info.Rate = snap.Progress.Rate
	info.AvgRate = snap.Progress.AvgRate
	info.ETASeconds = snap.Progress.ETA.Seconds()
	info.Frames = snap.Progress.Frames
	info.Error = snap.Error
	info.Reader = ReaderInfo(snap.Reader)
	info.Muxer = MuxerInfo{Buffered: snap.Muxer.Buffered, Forced: snap.Muxer.Forced, Done: snap.Muxer.Done}
	for _, t := range snap.Muxer.Tracks {
		info.Muxer.Tracks = append(info.Muxer.Tracks, TrackInfo{StreamID: t.StreamID, Frames: t.Frames, Bytes: t.Bytes})
	}
	if len(snap.Pacers) > 0 {
		p := &PacerInfo{}
		for _, s := range snap.Pacers {
			p.Frames += s.Frames
			p.Drops += s.Drops
			p.Dups += s.Dups
			p.Lost += s.Lost
			p.Gained += s.Gained
		}
		info.Pacer = p
	}
	for _, q := range snap.Queues {
		info.Queues = append(info.Queues, QueueInfo{Name: q.Name, Size: q.Size, Capacity: q.Capacity})
	}
	return info
}

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleListJobs(c *gin.Context) {
	entries := s.mgr.List()
	infos := make([]JobInfo, len(entries))
	for i, e := range entries {
		infos[i] = jobInfo(e)
	}
	c.JSON(http.StatusOK, JobListResponse{Jobs: infos, Total: len(infos)})
}

func (s *Server) handleGetJob(c *gin.Context) {
	e, ok := s.mgr.Get(c.Param("key"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, jobInfo(e))
}

func (s *Server) handleCancelJob(c *gin.Context) {
	key := c.Param("key")
	if !s.mgr.Cancel(key) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message": "job cancel requested",
		"key":     key,
	})
}
