package coordinator

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/meshd/internal/guardian"
	"github.com/danmuck/meshd/internal/mesh"
	"github.com/danmuck/meshd/internal/observability"
	"github.com/danmuck/meshd/internal/router"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// AdminConfig configures the HTTP control surface.
type AdminConfig struct {
	Addr        string
	CorsOrigins []string
}

// Admin serves mesh status, file operations, and execution submission
// over HTTP. It holds no state of its own; every request delegates to
// the coordinator.
type Admin struct {
	coord    *Coordinator
	cfg      AdminConfig
	router   *gin.Engine
	appeared time.Time
}

// NewAdmin builds the control surface around an existing coordinator.
func NewAdmin(coord *Coordinator, cfg AdminConfig) *Admin {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(coord.cfg.LocalNodeID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{
		coord:    coord,
		cfg:      cfg,
		router:   r,
		appeared: time.Now(),
	}
	a.registerRoutes()
	return a
}

// HTTPRouter exposes the gin engine for tests and embedding.
func (a *Admin) HTTPRouter() *gin.Engine {
	return a.router
}

// Serve blocks on the configured listen address.
func (a *Admin) Serve() error {
	return a.router.Run(a.cfg.Addr)
}

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(a.appeared).String(),
			"component": "meshd-admin",
			"version":   "0.0.1",
		})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router.GET("/ready", func(c *gin.Context) {
		ready := a.coord.State() == StateActive
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":  ready,
			"state":  a.coord.State(),
			"uptime": time.Since(a.appeared).String(),
		})
	})

	a.router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"state":     a.coord.State(),
			"nodes":     len(a.coord.Membership()),
			"stats":     a.coord.Stats(),
			"telemetry": a.coord.Telemetry(),
		})
	})

	a.router.GET("/nodes", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"nodes": a.coord.Membership(),
		})
	})

	a.router.GET("/nodes/:node", func(c *gin.Context) {
		node, ok := a.coord.Node(c.Param("node"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "node not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"node": node})
	})

	a.router.POST("/nodes/:node/rejoin", func(c *gin.Context) {
		nodeID := c.Param("node")
		if err := a.coord.Rejoin(nodeID); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node": nodeID})
	})

	a.router.GET("/telemetry", func(c *gin.Context) {
		limit := 0
		if raw := c.Query("events"); raw != "" {
			limit, _ = strconv.Atoi(raw)
		}
		c.JSON(http.StatusOK, gin.H{
			"snapshot": a.coord.Telemetry(),
			"stats":    a.coord.Stats(),
			"events":   a.coord.Events(limit),
		})
	})

	a.router.POST("/files", func(c *gin.Context) {
		var req proposeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		record, err := a.propose(req)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "record": record})
	})

	a.router.GET("/files/*path", func(c *gin.Context) {
		path := strings.TrimPrefix(c.Param("path"), "/")
		version := uint64(0)
		if raw := c.Query("version"); raw != "" {
			parsed, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid version"})
				return
			}
			version = parsed
		}
		record, err := a.coord.ReadFile(path, version)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		body := gin.H{
			"record":    record,
			"conflicts": a.coord.Conflicts(path),
		}
		if raw := c.Query("history"); raw != "" {
			depth, _ := strconv.Atoi(raw)
			body["history"] = a.coord.History(path, depth)
		}
		c.JSON(http.StatusOK, body)
	})

	a.router.POST("/submit", func(c *gin.Context) {
		var req submitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		assignment, err := a.coord.Submit(router.ExecutionRequest{
			TaskKind:     mesh.TaskKind(req.TaskKind),
			Affinity:     req.Affinity,
			AntiAffinity: req.AntiAffinity,
		})
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "assignment": assignment})
	})
}

type proposeRequest struct {
	Path          string `json:"path" binding:"required"`
	ParentVersion uint64 `json:"parent_version"`
	Content       string `json:"content"`
	ContentHash   string `json:"content_hash"`
	OwnerNode     string `json:"owner_node"`
}

type submitRequest struct {
	TaskKind     string   `json:"task_kind" binding:"required"`
	Affinity     string   `json:"affinity"`
	AntiAffinity []string `json:"anti_affinity"`
}

func (a *Admin) propose(req proposeRequest) (mesh.FileRecord, error) {
	if req.OwnerNode != "" && req.ContentHash != "" {
		return a.coord.ProposeHash(req.Path, req.ParentVersion, req.ContentHash, req.OwnerNode)
	}
	return a.coord.ProposeFile(req.Path, req.ParentVersion, []byte(req.Content))
}

// statusFor maps the shared error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, mesh.ErrUnknownNode):
		return http.StatusNotFound
	case errors.Is(err, mesh.ErrConflict), errors.Is(err, mesh.ErrStaleVersion), errors.Is(err, guardian.ErrRejoinStale):
		return http.StatusConflict
	case errors.Is(err, guardian.ErrNotRecovered):
		return http.StatusBadRequest
	case errors.Is(err, mesh.ErrNoEligibleNode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, mesh.ErrDraining), errors.Is(err, ErrNotActive):
		return http.StatusServiceUnavailable
	case errors.Is(err, mesh.ErrInvalidRecord), errors.Is(err, mesh.ErrInvalidNode), errors.Is(err, router.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
