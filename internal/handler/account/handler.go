package account

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/medrecords-api/internal/handler"
	"github.com/jwalitptl/medrecords-api/internal/model"
	"github.com/jwalitptl/medrecords-api/internal/service/account"
	"github.com/jwalitptl/medrecords-api/internal/service/patient"
	"github.com/jwalitptl/medrecords-api/pkg/httputil"
)

type Handler struct {
	accounts *account.Service
	patients *patient.Service
}

func NewHandler(accounts *account.Service, patients *patient.Service) *Handler {
	return &Handler{accounts: accounts, patients: patients}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	users := r.Group("/users")
	{
		users.GET("", h.ListUsers)
		users.POST("", h.CreateUser)
		users.PATCH("/profile", h.UpdateProfile)
		users.PATCH("/:id", h.UpdateUser)
		users.POST("/:id/link-patient", h.LinkPatient)
	}
}

func (h *Handler) ListUsers(c *gin.Context) {
	session, ok := handler.Session(c)
	if !ok {
		return
	}
	users, err := h.accounts.List(c.Request.Context(), session)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, users)
}

func (h *Handler) CreateUser(c *gin.Context) {
	session, ok := handler.Session(c)
	if !ok {
		return
	}
	var req model.CreateAccountRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	user, err := h.accounts.Create(c.Request.Context(), session, req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithCreated(c, "User created", user)
}

func (h *Handler) UpdateUser(c *gin.Context) {
	session, ok := handler.Session(c)
	if !ok {
		return
	}
	id, ok := handler.ParamUUID(c, "id", "user")
	if !ok {
		return
	}
	var req model.UpdateAccountRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	user, err := h.accounts.Update(c.Request.Context(), session, id, req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithMessage(c, "User updated", user)
}

func (h *Handler) UpdateProfile(c *gin.Context) {
	session, ok := handler.Session(c)
	if !ok {
		return
	}
	var req model.UpdateProfileRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	user, err := h.accounts.UpdateProfile(c.Request.Context(), session, req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithMessage(c, "Profile updated", gin.H{"user": user})
}

func (h *Handler) LinkPatient(c *gin.Context) {
	session, ok := handler.Session(c)
	if !ok {
		return
	}
	id, ok := handler.ParamUUID(c, "id", "user")
	if !ok {
		return
	}
	var req model.LinkPatientRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	p, err := h.patients.Link(c.Request.Context(), session, id, req.PatientID)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithMessage(c, "Patient linked", p)
}
