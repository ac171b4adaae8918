package middleware

import (
	"github.com/gin-gonic/gin"
)

// NoStore keeps responses out of browser and proxy caches. Every API
// response may contain patient data.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store, private")
		c.Header("Pragma", "no-cache")
		c.Header("Vary", "Authorization, Cookie")
		c.Next()
	}
}
