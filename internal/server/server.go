// Package server is the HTTP edge of an instance: the authenticated webhook
// ingress plus the read surface used by operators and load balancers.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/bisectd/bisectd/internal/forge"
	"github.com/bisectd/bisectd/internal/sandbox"
	"github.com/bisectd/bisectd/internal/security"
	"github.com/bisectd/bisectd/internal/store"
)

// maxWebhookBody caps inbound payload size.
const maxWebhookBody = 1 << 20

// IngressStore is the slice of the store the HTTP surface needs.
type IngressStore interface {
	Create(ctx context.Context, spec store.Spec) (int64, bool, error)
	Get(ctx context.Context, id int64) (*store.Job, error)
	Stats(ctx context.Context, workerID string) (*store.Stats, error)
	Ping(ctx context.Context) error
}

// Server bundles the handlers and their dependencies.
type Server struct {
	store  IngressStore
	forge  forge.Client
	runner sandbox.Runner

	workerID      string
	webhookSecret string

	log *logrus.Entry
}

func New(st IngressStore, forgeClient forge.Client, runner sandbox.Runner, workerID, webhookSecret string, log *logrus.Logger) *Server {
	return &Server{
		store:         st,
		forge:         forgeClient,
		runner:        runner,
		workerID:      workerID,
		webhookSecret: webhookSecret,
		log:           log.WithField("component", "server"),
	}
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/webhook", s.postWebhook)
	router.GET("/health", s.getHealth)
	router.GET("/stats", s.getStats)
	router.GET("/job/:id", s.getJob)

	return router
}

// getHealth reports healthy only when both collaborators this instance
// depends on are reachable.
func (s *Server) getHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.runner.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "degraded",
			"reason": fmt.Sprintf("sandbox unavailable: %v", err),
		})
		return
	}
	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "degraded",
			"reason": fmt.Sprintf("job store unreachable: %v", err),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "worker_id": s.workerID})
}

func (s *Server) getStats(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context(), s.workerID)
	if err != nil {
		s.log.Errorf("Failed to aggregate stats - %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats unavailable"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

type jobResponse struct {
	ID           int64           `json:"id"`
	Status       store.JobStatus `json:"status"`
	Repo         string          `json:"repo"`
	Requester    string          `json:"requester"`
	GoodSHA      string          `json:"good_sha"`
	BadSHA       string          `json:"bad_sha"`
	TestCommand  string          `json:"test_command"`
	WorkerID     *string         `json:"worker_id,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	CreatedAt    string          `json:"created_at"`
	StartedAt    *string         `json:"started_at,omitempty"`
	FinishedAt   *string         `json:"finished_at,omitempty"`
	HeartbeatAt  *string         `json:"heartbeat_at,omitempty"`
	CulpritSHA   *string         `json:"culprit_sha,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	ProgressLog  *string         `json:"progress_log,omitempty"`
}

func (s *Server) getJob(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}

	job, err := s.store.Get(c.Request.Context(), id)
	if err == store.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		s.log.Errorf("Failed to load job %d - %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "job unavailable"})
		return
	}

	c.JSON(http.StatusOK, toJobResponse(job))
}

func toJobResponse(job *store.Job) jobResponse {
	return jobResponse{
		ID:           job.ID,
		Status:       job.Status,
		Repo:         job.RepoOwner + "/" + job.RepoName,
		Requester:    job.Requester,
		GoodSHA:      job.GoodSHA,
		BadSHA:       job.BadSHA,
		TestCommand:  job.TestCommand,
		WorkerID:     job.WorkerID,
		AttemptCount: job.AttemptCount,
		CreatedAt:    job.CreatedAt.Format(time.RFC3339),
		StartedAt:    timePtr(job.StartedAt),
		FinishedAt:   timePtr(job.FinishedAt),
		HeartbeatAt:  timePtr(job.HeartbeatAt),
		CulpritSHA:   job.CulpritSHA,
		ErrorMessage: sanitized(job.ErrorMessage),
		ProgressLog:  sanitized(job.ProgressLog),
	}
}

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

// sanitized scrubs a nullable column before it leaves the read surface.
func sanitized(v *string) *string {
	if v == nil {
		return nil
	}
	clean := security.Sanitize(*v)
	return &clean
}
