package dashboard

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/medrecords-api/internal/handler"
	"github.com/jwalitptl/medrecords-api/internal/service/dashboard"
	"github.com/jwalitptl/medrecords-api/pkg/httputil"
)

type Handler struct {
	service *dashboard.Service
}

func NewHandler(service *dashboard.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/dashboard/stats", h.Stats)
}

func (h *Handler) Stats(c *gin.Context) {
	session, ok := handler.Session(c)
	if !ok {
		return
	}
	stats, err := h.service.Stats(c.Request.Context(), session)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, stats)
}
