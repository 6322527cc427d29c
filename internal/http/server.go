// Package http serves the GitHub push webhook and the goal API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/sdmd/internal/goal"
	"github.com/fyrsmithlabs/sdmd/internal/machine"
	"github.com/fyrsmithlabs/sdmd/internal/push"
	"github.com/fyrsmithlabs/sdmd/internal/store"
)

const maxPayloadBytes = 1 << 20

// Machine is the part of the delivery machine the server drives.
type Machine interface {
	HandlePush(ctx context.Context, p *push.Event) (*machine.Run, error)
	OnExternalState(ctx context.Context, key goal.Key, d goal.Delta) (goal.Event, error)
}

// Server provides HTTP endpoints for sdmd.
type Server struct {
	echo    *echo.Echo
	machine Machine
	store   store.GoalStore
	logger  *zap.Logger
	metrics *HTTPMetrics
	config  *Config

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
	resetAt    time.Time

	// pending tracks pushes handed to the machine but not yet planned.
	pending sync.WaitGroup
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// WebhookSecret verifies X-Hub-Signature-256. Empty disables the
	// webhook endpoint.
	WebhookSecret string
	// RateLimit and RateBurst bound webhook deliveries per client IP.
	// Zero means 1 per second with a burst of 10.
	RateLimit float64
	RateBurst int
}

// NewServer creates a new HTTP server.
func NewServer(m Machine, goals store.GoalStore, logger *zap.Logger, cfg *Config) (*Server, error) {
	if m == nil {
		return nil, fmt.Errorf("machine cannot be nil")
	}
	if goals == nil {
		return nil, fmt.Errorf("goal store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 1
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})
	metrics := NewHTTPMetrics(logger)
	e.Use(metrics.MetricsMiddleware())

	s := &Server{
		echo:     e,
		machine:  m,
		store:    goals,
		logger:   logger,
		metrics:  metrics,
		config:   cfg,
		limiters: make(map[string]*rate.Limiter),
		resetAt:  time.Now().Add(time.Hour),
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.POST("/webhook", s.handleWebhook)

	v1 := s.echo.Group("/api/v1")
	v1.GET("/goals/:owner/:repo/:sha", s.handleListGoals)
	v1.POST("/goals/:owner/:repo/:sha/:env/:name", s.handleGoalState)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// WebhookResponse is the response body for POST /webhook.
type WebhookResponse struct {
	Status     string `json:"status"`
	DeliveryID string `json:"delivery_id,omitempty"`
}

// getRateLimiter returns the limiter for ip. Limiters are dropped hourly.
func (s *Server) getRateLimiter(ip string) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()

	if time.Now().After(s.resetAt) {
		s.limiters = make(map[string]*rate.Limiter)
		s.resetAt = time.Now().Add(time.Hour)
	}
	l, ok := s.limiters[ip]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.config.RateLimit), s.config.RateBurst)
		s.limiters[ip] = l
	}
	return l
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleWebhook(c echo.Context) error {
	if s.config.WebhookSecret == "" {
		return echo.NewHTTPError(http.StatusNotFound, "webhook not configured")
	}
	r := c.Request()
	ip := clientIP(r)
	eventType := github.WebHookType(r)
	if !s.getRateLimiter(ip).Allow() {
		s.metrics.Delivery(r.Context(), eventType, "limited")
		s.logger.Warn("webhook rate limit exceeded", zap.String("ip", ip))
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}

	r.Body = http.MaxBytesReader(c.Response(), r.Body, maxPayloadBytes)
	payload, err := github.ValidatePayload(r, []byte(s.config.WebhookSecret))
	if err != nil {
		var tooLarge *http.MaxBytesError
		s.metrics.Delivery(r.Context(), eventType, "rejected")
		if errors.As(err, &tooLarge) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
		}
		s.logger.Warn("invalid webhook signature", zap.String("ip", ip), zap.Error(err))
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}

	deliveryID := github.DeliveryID(r)
	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		s.metrics.Delivery(r.Context(), eventType, "rejected")
		s.logger.Warn("unparseable webhook", zap.String("event", eventType), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}

	switch e := event.(type) {
	case *github.PushEvent:
		p, err := push.FromGitHub(e, deliveryID)
		if err != nil {
			s.logger.Info("push ignored", zap.String("delivery_id", deliveryID), zap.Error(err))
			s.metrics.Delivery(r.Context(), eventType, "ignored")
			return c.JSON(http.StatusAccepted, WebhookResponse{Status: "ignored", DeliveryID: deliveryID})
		}
		s.metrics.Delivery(r.Context(), eventType, "accepted")
		s.dispatch(r.Context(), p)
		return c.JSON(http.StatusAccepted, WebhookResponse{Status: "accepted", DeliveryID: deliveryID})
	case *github.PingEvent:
		s.metrics.Delivery(r.Context(), eventType, "accepted")
		return c.JSON(http.StatusOK, WebhookResponse{Status: "pong", DeliveryID: deliveryID})
	default:
		s.logger.Debug("webhook event ignored", zap.String("event", eventType))
		s.metrics.Delivery(r.Context(), eventType, "ignored")
		return c.JSON(http.StatusAccepted, WebhookResponse{Status: "ignored", DeliveryID: deliveryID})
	}
}

// dispatch plans p off the request path so GitHub's delivery timeout does
// not depend on cloning.
func (s *Server) dispatch(ctx context.Context, p *push.Event) {
	ctx = context.WithoutCancel(ctx)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		run, err := s.machine.HandlePush(ctx, p)
		switch {
		case errors.Is(err, machine.ErrNoGoals):
			s.logger.Info("no goals for push", zap.String("repo", p.Repo.Slug()), zap.String("sha", p.Sha))
		case err != nil:
			s.logger.Error("handling push failed", zap.String("repo", p.Repo.Slug()), zap.String("sha", p.Sha), zap.Error(err))
		default:
			s.logger.Info("push planned",
				zap.String("repo", p.Repo.Slug()),
				zap.String("sha", p.Sha),
				zap.String("goal_set_id", run.SetID),
				zap.Int("goals", len(run.Events)))
		}
	}()
}

// GoalsResponse is the response body for GET /api/v1/goals/:owner/:repo/:sha.
type GoalsResponse struct {
	Goals []goal.Event `json:"goals"`
}

func (s *Server) handleListGoals(c echo.Context) error {
	events, err := s.store.ListForPush(c.Request().Context(), c.Param("owner"), c.Param("repo"), c.Param("sha"))
	if err != nil {
		s.logger.Error("listing goals", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "listing goals failed")
	}
	if events == nil {
		events = []goal.Event{}
	}
	return c.JSON(http.StatusOK, GoalsResponse{Goals: events})
}

// GoalStateRequest is the request body for POST
// /api/v1/goals/:owner/:repo/:sha/:env/:name. It reports the outcome of a
// side effect or an approval.
type GoalStateRequest struct {
	State       goal.State `json:"state"`
	Description string     `json:"description,omitempty"`
	URL         string     `json:"url,omitempty"`
	Phase       string     `json:"phase,omitempty"`
}

func (s *Server) handleGoalState(c echo.Context) error {
	var req GoalStateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if !req.State.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid state %q", req.State))
	}
	key := goal.Key{
		Owner:       c.Param("owner"),
		Repo:        c.Param("repo"),
		Sha:         c.Param("sha"),
		Environment: goal.Environment(c.Param("env")),
		Name:        c.Param("name"),
	}
	ev, err := s.machine.OnExternalState(c.Request().Context(), key, goal.Delta{
		State:       req.State,
		Description: req.Description,
		URL:         req.URL,
		Phase:       req.Phase,
	})
	var transition *goal.TransitionError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "goal not found")
	case errors.As(err, &transition):
		return echo.NewHTTPError(http.StatusConflict, transition.Error())
	case err != nil:
		s.logger.Error("updating goal state", zap.String("goal.key", key.String()), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "updating goal failed")
	}
	return c.JSON(http.StatusOK, ev)
}

// Handler exposes the router, mostly for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting HTTP server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("starting HTTP server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for accepted pushes to be
// planned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if err := s.echo.Shutdown(ctx); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
