package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/medrecords-api/internal/handler"
	"github.com/jwalitptl/medrecords-api/internal/middleware"
	"github.com/jwalitptl/medrecords-api/internal/model"
	authsvc "github.com/jwalitptl/medrecords-api/internal/service/auth"
	"github.com/jwalitptl/medrecords-api/pkg/httputil"
)

// Service is the part of the auth service the handler uses.
type Service interface {
	Register(ctx context.Context, req model.RegisterRequest) (*authsvc.Result, error)
	Login(ctx context.Context, req model.LoginRequest) (*authsvc.Result, error)
	LoginPatient(ctx context.Context, req model.PatientLoginRequest) (*authsvc.Result, error)
	Me(ctx context.Context, session model.Session) model.SessionUser
}

type CookieConfig struct {
	Name   string
	Secure bool
}

type Handler struct {
	service Service
	cookie  CookieConfig
}

func NewHandler(service Service, cookie CookieConfig) *Handler {
	return &Handler{service: service, cookie: cookie}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	auth := r.Group("/auth")
	{
		auth.POST("/register", h.Register)
		auth.POST("/login", h.Login)
		auth.POST("/login/patient", h.LoginPatient)
		auth.POST("/logout", h.Logout)
		auth.GET("/me", h.Me)
	}
}

type sessionResponse struct {
	Token     string            `json:"token"`
	ExpiresAt time.Time         `json:"expiresAt"`
	User      model.SessionUser `json:"user"`
}

func (h *Handler) setCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookie.Name, value, maxAge, "/", "", h.cookie.Secure, true)
}

func (h *Handler) respond(c *gin.Context, status int, res *authsvc.Result) {
	h.setCookie(c, res.Token, int(time.Until(res.ExpiresAt).Seconds()))
	c.JSON(status, httputil.Response{
		Success: true,
		Data:    sessionResponse{Token: res.Token, ExpiresAt: res.ExpiresAt, User: res.User},
	})
}

func (h *Handler) Register(c *gin.Context) {
	var req model.RegisterRequest
	if !handler.BindJSON(c, &req) {
		return
	}
	res, err := h.service.Register(c.Request.Context(), req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	h.respond(c, http.StatusCreated, res)
}

func (h *Handler) Login(c *gin.Context) {
	var req model.LoginRequest
	if !handler.BindJSON(c, &req) {
		return
	}
	res, err := h.service.Login(c.Request.Context(), req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	h.respond(c, http.StatusOK, res)
}

func (h *Handler) LoginPatient(c *gin.Context) {
	var req model.PatientLoginRequest
	if !handler.BindJSON(c, &req) {
		return
	}
	res, err := h.service.LoginPatient(c.Request.Context(), req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	h.respond(c, http.StatusOK, res)
}

// Logout only clears the cookie. Issued credentials stay valid until expiry.
func (h *Handler) Logout(c *gin.Context) {
	h.setCookie(c, "", -1)
	httputil.RespondWithMessage(c, "Logged out", nil)
}

// Me answers with a null user rather than 401 when there is no valid session.
func (h *Handler) Me(c *gin.Context) {
	session, ok := middleware.SessionFrom(c)
	if !ok {
		httputil.RespondWithSuccess(c, gin.H{"user": nil})
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"user": h.service.Me(c.Request.Context(), session)})
}
