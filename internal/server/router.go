package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	mng "github.com/zgsm-ai/tunnel-starter/internal/manager"
	"github.com/zgsm-ai/tunnel-starter/internal/metrics"
	"github.com/zgsm-ai/tunnel-starter/internal/registry"
)

// Router provides embeddable HTTP handlers for managing tunnels.
// Endpoints:
//
//	POST   {basePath}/tunnels                 body: {"app", "version", "port"}
//	GET    {basePath}/tunnels                 query: app=...&version=... (both optional)
//	GET    {basePath}/tunnels/:app            most recent live tunnel for app
//	GET    {basePath}/tunnels/:app/:version   exact record
//	DELETE {basePath}/tunnels/:app/:version
//	GET    /health                            plain "OK" (root, outside basePath)
//	GET    /metrics                           Prometheus exposition (optional)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	mgr           *mng.Manager
	basePath      string
	enableMetrics bool
}

// NewRouter constructs a Router with configurable basePath.
func NewRouter(mgr *mng.Manager, basePath string, enableMetrics bool) *Router {
	return &Router{mgr: mgr, basePath: sanitizeBase(basePath), enableMetrics: enableMetrics}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/health", r.handleHealth)
	if r.enableMetrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	group.POST("/tunnels", r.handleCreate)
	group.GET("/tunnels", r.handleList)
	group.GET("/tunnels/:app", r.handleGet)
	group.GET("/tunnels/:app/:version", r.handleGet)
	group.DELETE("/tunnels/:app/:version", r.handleDelete)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, enableMetrics bool, mgr *mng.Manager) *http.Server {
	r := NewRouter(mgr, basePath, enableMetrics)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type createReq struct {
	App     string `json:"app"`
	Version string `json:"version"`
	Port    int    `json:"port"`
}

type deleteResp struct {
	AppName string `json:"appName"`
	Status  string `json:"status"`
}

func (r *Router) handleHealth(c *gin.Context) {
	if !r.mgr.Ready() {
		c.String(http.StatusServiceUnavailable, "Service Unavailable")
		return
	}
	c.String(http.StatusOK, "OK")
}

func (r *Router) handleCreate(c *gin.Context) {
	var req createReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	view, err := r.mgr.Open(c.Request.Context(), req.App, req.Version, req.Port)
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, view)
}

func (r *Router) handleList(c *gin.Context) {
	f := registry.Filter{
		App:     c.Query("app"),
		Version: c.Query("version"),
	}
	writeJSON(c, http.StatusOK, r.mgr.List(f))
}

func (r *Router) handleGet(c *gin.Context) {
	view, err := r.mgr.Get(c.Param("app"), c.Param("version"))
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, view)
}

func (r *Router) handleDelete(c *gin.Context) {
	app := c.Param("app")
	if err := r.mgr.Close(c.Request.Context(), app, c.Param("version")); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, deleteResp{AppName: app, Status: "success"})
}
