// Package handler holds helpers shared by the HTTP handlers in its
// subpackages.
package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/medrecords-api/internal/middleware"
	"github.com/jwalitptl/medrecords-api/internal/model"
	"github.com/jwalitptl/medrecords-api/pkg/errors"
	"github.com/jwalitptl/medrecords-api/pkg/httputil"
)

// Session returns the caller's session or writes a 401 and returns false.
func Session(c *gin.Context) (model.Session, bool) {
	session, ok := middleware.SessionFrom(c)
	if !ok {
		httputil.RespondWithError(c, errors.Unauthorized(nil))
		return nil, false
	}
	return session, true
}

// ParamUUID parses a path parameter. Malformed ids are reported as not found
// so that probing ids tells the caller nothing.
func ParamUUID(c *gin.Context, name, resource string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		httputil.RespondWithError(c, errors.NotFound(resource, err))
		return uuid.Nil, false
	}
	return id, true
}

// BindJSON decodes and validates the body, writing a 400 on failure.
func BindJSON(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		httputil.RespondWithError(c, middleware.BindError(err))
		return false
	}
	return true
}
