// Package api exposes the control plane over HTTP. All routes except
// /metrics require the shared token in the X-Api-Token header.
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/stratumgate/stratumgate/pkg/control"
	"github.com/stratumgate/stratumgate/pkg/log"
	"github.com/stratumgate/stratumgate/pkg/metrics"
)

// TokenHeader carries the shared API token.
const TokenHeader = "X-Api-Token"

// Server is the control-plane HTTP server.
type Server struct {
	svc    *control.Service
	token  string
	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the router. An empty token disables authentication, which
// is only sensible on a loopback bind.
func NewServer(svc *control.Service, token string) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{svc: svc, token: token}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	authed := engine.Group("/", s.authMiddleware(), s.metricsMiddleware())
	authed.GET("/health", s.health)
	authed.GET("/freerange", s.freeRange)
	authed.GET("/users", s.listUsers)

	authed.POST("/admin/add-user", s.addUser)
	authed.POST("/admin/set-port", s.setPort)
	authed.POST("/admin/set-subscription", s.setSubscription)
	authed.POST("/admin/extend-subscription", s.extendSubscription)
	authed.GET("/admin/payments", s.listPayments)
	authed.POST("/admin/payment-update", s.updatePayment)

	authed.GET("/users/:tg_id/modes", s.listModes)
	authed.POST("/users/:tg_id/modes", s.addMode)
	authed.POST("/users/:tg_id/modes/:mode_id/activate", s.activateMode)
	authed.DELETE("/users/:tg_id/modes/:mode_id", s.deleteMode)
	authed.POST("/users/:tg_id/set-login", s.setLogin)
	authed.GET("/users/:tg_id/schedules", s.listSchedules)
	authed.POST("/users/:tg_id/schedules", s.addSchedule)
	authed.DELETE("/users/:tg_id/schedules/:schedule_id", s.deleteSchedule)
	authed.GET("/users/:tg_id/devices", s.listDevices)

	authed.POST("/proxy/reload-port", s.reloadPort)

	s.engine = engine
	return s
}

// Router exposes the handler for tests and embedding.
func (s *Server) Router() http.Handler { return s.engine }

// Start serves on addr until Stop. It blocks.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.engine}
	logger := log.WithComponent("api")
	logger.Info().Str("addr", addr).Msg("control API listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.token != "" && c.GetHeader(TokenHeader) != s.token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// fail maps a control error kind onto an HTTP status.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch control.KindOf(err) {
	case control.KindValidation:
		status = http.StatusBadRequest
	case control.KindNotFound:
		status = http.StatusNotFound
	case control.KindConflict:
		status = http.StatusConflict
	case control.KindTransient:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func tgIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("tg_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tg_id"})
		return 0, false
	}
	return id, true
}

func idParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}
