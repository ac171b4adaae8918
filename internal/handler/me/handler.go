package me

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/medrecords-api/internal/handler"
	"github.com/jwalitptl/medrecords-api/internal/service/patient"
	"github.com/jwalitptl/medrecords-api/internal/service/record"
	"github.com/jwalitptl/medrecords-api/pkg/httputil"
)

// Handler serves the patient portal: the signed-in patient's own data.
type Handler struct {
	patients *patient.Service
	records  *record.Service
}

func NewHandler(patients *patient.Service, records *record.Service) *Handler {
	return &Handler{patients: patients, records: records}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	me := r.Group("/me")
	{
		me.GET("/patient", h.Patient)
		me.GET("/records", h.Records)
	}
}

func (h *Handler) Patient(c *gin.Context) {
	session, ok := handler.Session(c)
	if !ok {
		return
	}
	view, err := h.patients.Mine(c.Request.Context(), session)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, view)
}

func (h *Handler) Records(c *gin.Context) {
	session, ok := handler.Session(c)
	if !ok {
		return
	}
	view, err := h.records.Mine(c.Request.Context(), session)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, view)
}
