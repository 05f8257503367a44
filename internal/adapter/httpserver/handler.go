package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/proxyfleet/proxyfleet/internal/domain"
	"github.com/proxyfleet/proxyfleet/internal/engine"
	"github.com/proxyfleet/proxyfleet/internal/metrics"
)

type response struct {
	Ok    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

type createInstanceRequest struct {
	Name    string       `json:"name" binding:"required"`
	Kind    string       `json:"kind" binding:"required"`
	Port    int          `json:"port"`
	Flags   domain.Flags `json:"flags"`
	Desired string       `json:"desired_state"`
}

type updateInstanceRequest struct {
	Flags domain.Flags `json:"flags"`
}

// API translates HTTP calls into lifecycle engine calls. It holds no state
// of its own.
type API struct {
	engine  *engine.Engine
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewAPI(eng *engine.Engine, m *metrics.Metrics, logger *slog.Logger) *API {
	return &API{engine: eng, metrics: m, logger: logger}
}

func (a *API) RegisterRoutes(router *gin.Engine, authed gin.HandlerFunc) {
	router.GET("/healthz", a.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.metrics.Registry(), promhttp.HandlerOpts{})))

	api := router.Group("/", authed)
	api.GET("/instances", a.listInstances)
	api.POST("/instances", a.createInstance)
	api.GET("/instances/:name", a.getInstance)
	api.PUT("/instances/:name", a.updateInstance)
	api.DELETE("/instances/:name", a.deleteInstance)
	api.POST("/instances/:name/start", a.startInstance)
	api.POST("/instances/:name/stop", a.stopInstance)
	api.POST("/instances/:name/restart", a.restartInstance)
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, response{Ok: true})
}

func (a *API) listInstances(c *gin.Context) {
	views, err := a.engine.List(c.Request.Context())
	if err != nil {
		a.fail(c, "list instances", err)
		return
	}
	c.JSON(http.StatusOK, response{Ok: true, Data: views})
}

func (a *API) getInstance(c *gin.Context) {
	view, err := a.engine.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		a.fail(c, "get instance", err)
		return
	}
	c.JSON(http.StatusOK, response{Ok: true, Data: view})
}

func (a *API) createInstance(c *gin.Context) {
	var req createInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.logger.Warn("create instance: invalid payload", "err", err)
		c.JSON(http.StatusBadRequest, response{Ok: false, Error: err.Error()})
		return
	}

	desired := domain.DesiredStopped
	if req.Desired == string(domain.DesiredRunning) {
		desired = domain.DesiredRunning
	}

	view, err := a.engine.Create(c.Request.Context(), engine.CreateInput{
		Name:    req.Name,
		Kind:    domain.Kind(req.Kind),
		Port:    req.Port,
		Flags:   req.Flags,
		Desired: desired,
	})
	if err != nil {
		a.fail(c, "create instance", err)
		return
	}
	c.JSON(http.StatusCreated, response{Ok: true, Data: view})
}

func (a *API) updateInstance(c *gin.Context) {
	var req updateInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.logger.Warn("update instance: invalid payload", "err", err)
		c.JSON(http.StatusBadRequest, response{Ok: false, Error: err.Error()})
		return
	}

	view, err := a.engine.Update(c.Request.Context(), c.Param("name"), req.Flags)
	if err != nil {
		a.fail(c, "update instance", err)
		return
	}
	c.JSON(http.StatusOK, response{Ok: true, Data: view})
}

func (a *API) deleteInstance(c *gin.Context) {
	if err := a.engine.Delete(c.Request.Context(), c.Param("name")); err != nil {
		a.fail(c, "delete instance", err)
		return
	}
	c.JSON(http.StatusOK, response{Ok: true})
}

func (a *API) startInstance(c *gin.Context) {
	view, err := a.engine.Start(c.Request.Context(), c.Param("name"))
	if err != nil {
		a.fail(c, "start instance", err)
		return
	}
	c.JSON(http.StatusOK, response{Ok: true, Data: view})
}

func (a *API) stopInstance(c *gin.Context) {
	view, err := a.engine.Stop(c.Request.Context(), c.Param("name"))
	if err != nil {
		a.fail(c, "stop instance", err)
		return
	}
	c.JSON(http.StatusOK, response{Ok: true, Data: view})
}

func (a *API) restartInstance(c *gin.Context) {
	view, err := a.engine.Restart(c.Request.Context(), c.Param("name"))
	if err != nil {
		a.fail(c, "restart instance", err)
		return
	}
	c.JSON(http.StatusOK, response{Ok: true, Data: view})
}

// fail maps structured error kinds to HTTP status codes and emits the
// envelope. Callers never have to read daemon logs to learn what failed.
func (a *API) fail(c *gin.Context, op string, err error) {
	kind := domain.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		a.logger.Error(op+" failed", "err", err)
	} else {
		a.logger.Warn(op+" rejected", "kind", kind, "err", err)
	}
	c.JSON(status, response{Ok: false, Error: err.Error(), Kind: string(kind)})
}

func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.ErrNotFound:
		return http.StatusNotFound
	case domain.ErrAlreadyExists, domain.ErrPortsExhausted:
		return http.StatusConflict
	case domain.ErrInvalidName, domain.ErrInvalidPort:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
