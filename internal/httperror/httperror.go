// Package httperror writes the relay's HTTP error bodies in the
// {"code": N, "message": "..."} shape.
package httperror

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

// Formatf writes a JSON error body with printf-style formatting.
func Formatf(c *gin.Context, code int, format string, args ...interface{}) {
	c.JSON(code, gin.H{
		"code":    code,
		"message": fmt.Sprintf(format, args...),
	})
}

// Format writes a JSON error body for a single value, stringized with the
// default fmt rules.
func Format(c *gin.Context, code int, value interface{}) {
	c.JSON(code, gin.H{
		"code":    code,
		"message": fmt.Sprint(value),
	})
}
