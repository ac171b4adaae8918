package patient

import (
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/medrecords-api/internal/handler"
	"github.com/jwalitptl/medrecords-api/internal/model"
	"github.com/jwalitptl/medrecords-api/internal/service/patient"
	"github.com/jwalitptl/medrecords-api/pkg/errors"
	"github.com/jwalitptl/medrecords-api/pkg/httputil"
)

type Handler struct {
	service *patient.Service
}

func NewHandler(service *patient.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	patients := r.Group("/patients")
	{
		patients.POST("", h.CreatePatient)
		patients.GET("", h.ListPatients)
		patients.GET("/resolve", h.Resolve)
		patients.POST("/resolve/scan", h.Scan)
		patients.GET("/:id", h.GetPatient)
		patients.DELETE("/:id", h.DeletePatient)
		patients.POST("/:id/rotate-token", h.RotateToken)
		patients.GET("/:id/qr.png", h.QRImage)
	}
}

func (h *Handler) CreatePatient(c *gin.Context) {
	session, ok := handler.Session(c)
	if !ok {
		return
	}
	var req model.CreatePatientRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	created, err := h.service.Create(c.Request.Context(), session, req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithCreated(c, "Patient created", created)
}

func (h *Handler) ListPatients(c *gin.Context) {
	session, ok := handler.Session(c)
	if !ok {
		return
	}
	var filter model.PatientFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		httputil.RespondWithError(c, errors.Validation("page", "page and limit must be numbers"))
		return
	}

	page, err := h.service.List(c.Request.Context(), session, filter)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, page)
}

func (h *Handler) GetPatient(c *gin.Context) {
	session, ok := handler.Session(c)
	if !ok {
		return
	}
	id, ok := handler.ParamUUID(c, "id", "patient")
	if !ok {
		return
	}

	view, err := h.service.Get(c.Request.Context(), session, id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, view)
}

func (h *Handler) DeletePatient(c *gin.Context) {
	session, ok := handler.Session(c)
	if !ok {
		return
	}
	id, ok := handler.ParamUUID(c, "id", "patient")
	if !ok {
		return
	}

	if err := h.service.Delete(c.Request.Context(), session, id); err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithMessage(c, "Patient deleted", nil)
}

func (h *Handler) RotateToken(c *gin.Context) {
	session, ok := handler.Session(c)
	if !ok {
		return
	}
	id, ok := handler.ParamUUID(c, "id", "patient")
	if !ok {
		return
	}

	qr, err := h.service.RotateToken(c.Request.Context(), session, id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithMessage(c, "QR token rotated", qr)
}

func (h *Handler) QRImage(c *gin.Context) {
	session, ok := handler.Session(c)
	if !ok {
		return
	}
	id, ok := handler.ParamUUID(c, "id", "patient")
	if !ok {
		return
	}

	png, name, err := h.service.QRImage(c.Request.Context(), session, id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	c.Data(http.StatusOK, "image/png", png)
}

func (h *Handler) Resolve(c *gin.Context) {
	session, ok := handler.Session(c)
	if !ok {
		return
	}

	view, err := h.service.Resolve(c.Request.Context(), session, c.Query("t"))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, view)
}

type scanRequest struct {
	Text string `json:"text"`
}

// Scan accepts a multipart upload with an "image" file or a "text" field,
// or a JSON body with the scanned text.
func (h *Handler) Scan(c *gin.Context) {
	session, ok := handler.Session(c)
	if !ok {
		return
	}

	var (
		text  string
		image io.Reader
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if fh, err := c.FormFile("image"); err == nil {
			f, err := fh.Open()
			if err != nil {
				httputil.RespondWithError(c, errors.Validation("image", "unreadable image"))
				return
			}
			defer f.Close()
			image = f
		}
		text = c.PostForm("text")
	} else {
		var req scanRequest
		if !handler.BindJSON(c, &req) {
			return
		}
		text = req.Text
	}

	view, err := h.service.Scan(c.Request.Context(), session, text, image)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, view)
}
