package agent

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/picklr-io/fleetform/internal/autoscale"
	"github.com/picklr-io/fleetform/internal/logging"
)

// Handler returns the status API.
func (a *Agent) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", a.healthz)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.opts.Gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	v1.GET("/fleets", a.listFleets)
	v1.GET("/fleets/:name", a.getFleet)
	v1.POST("/fleets/:name/failsafe/reset", a.resetFailsafe)
	return router
}

func (a *Agent) healthz(c *gin.Context) {
	var failing []string
	for _, name := range a.names {
		if !a.controllers[name].Healthy() {
			failing = append(failing, name)
		}
	}
	if len(failing) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "failsafe", "fleets": failing})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *Agent) listFleets(c *gin.Context) {
	out := make([]autoscale.Status, 0, len(a.names))
	for _, name := range a.names {
		out = append(out, a.controllers[name].Status())
	}
	c.JSON(http.StatusOK, gin.H{"fleets": out})
}

func (a *Agent) getFleet(c *gin.Context) {
	ctrl, ok := a.controllers[c.Param("name")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "fleet not found"})
		return
	}
	c.JSON(http.StatusOK, ctrl.Status())
}

func (a *Agent) resetFailsafe(c *gin.Context) {
	name := c.Param("name")
	ctrl, ok := a.controllers[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "fleet not found"})
		return
	}
	ctrl.ResetFailsafe()
	a.refreshHealth()
	logging.Info("failsafe reset", "fleet", name, "remote", c.ClientIP())
	c.JSON(http.StatusOK, ctrl.Status())
}
