// Package statusapi exposes the orchestrator's only externally reachable
// surface: a small gin router serving liveness, per-audit stage status,
// and a WebSocket upgrade onto an audit's uiobserver.Hub. One
// gin.Context-method per route, wired through a thin router-setup
// function, narrowed to the read-only surface this core actually needs —
// no auth, sessions, or mutation endpoints belong here, those live in
// whatever operator tooling drives EnqueueAudit.
package statusapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/riftsec/auditcore/internal/logger"
	"github.com/riftsec/auditcore/internal/orchestrator"
)

// Server wraps a gin.Engine wired to one Orchestrator.
type Server struct {
	engine *gin.Engine
	orch   *orchestrator.Orchestrator
	wsUpgrader websocket.Upgrader
}

// New builds a Server. allowedOrigins is checked against a WebSocket
// upgrade request's Origin header; "*" allows any origin.
func New(orch *orchestrator.Orchestrator, allowedOrigins []string) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine: gin.New(),
		orch:   orch,
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
	}
	s.engine.Use(gin.Recovery())
	s.registerRoutes()
	return s
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		for _, a := range allowed {
			if a == "*" {
				return true
			}
		}
		origin := r.Header.Get("Origin")
		for _, a := range allowed {
			if strings.EqualFold(strings.TrimSpace(a), origin) {
				return true
			}
		}
		logger.StatusAPI().Warn().Str("origin", origin).Msg("statusapi: rejected websocket upgrade from disallowed origin")
		return false
	}
}

// Engine returns the underlying gin.Engine, ready to hand to an
// http.Server as its Handler.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.healthz)
	s.engine.GET("/audits", s.listAudits)
	s.engine.GET("/audits/:name", s.auditStatus)
	s.engine.GET("/audits/:name/ws", s.auditWS)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listAudits(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"audits": s.orch.AuditNames()})
}

// statusResponse mirrors coordinator.Status with a human-readable stage
// name alongside the raw enum value.
type statusResponse struct {
	AuditName     string `json:"audit_name"`
	Stage         int    `json:"stage"`
	StageName     string `json:"stage_name"`
	ExpectingACK  int    `json:"expecting_ack"`
	ReportStarted bool   `json:"report_started"`
	InFlightCount int    `json:"in_flight_count"`
}

func (s *Server) auditStatus(c *gin.Context) {
	name := c.Param("name")
	st, ok := s.orch.AuditStatus(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown audit"})
		return
	}
	c.JSON(http.StatusOK, statusResponse{
		AuditName:     st.AuditName,
		Stage:         int(st.CurrentStage),
		StageName:     st.CurrentStage.String(),
		ExpectingACK:  st.ExpectingACK,
		ReportStarted: st.ReportStarted,
		InFlightCount: st.InFlightCount,
	})
}

// auditWS upgrades the connection and attaches it to the named audit's
// UI hub; the hub pushes STATUS/CONTROL traffic out for the lifetime of
// the connection. Read-only — the core never accepts commands over this
// socket.
func (s *Server) auditWS(c *gin.Context) {
	name := c.Param("name")
	hub, ok := s.orch.Hub(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown audit"})
		return
	}

	conn, err := s.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.StatusAPI().Warn().Err(err).Str("audit", name).Msg("statusapi: websocket upgrade failed")
		return
	}
	hub.Serve(conn, c.ClientIP())
}
