// Package response writes the JSON envelope shared by every API endpoint.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Body is the standard API response envelope.
type Body struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data})
}

// Created sends a 201 JSON response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Body{Success: true, Data: data})
}

// Fail aborts the handler chain with an error envelope.
func Fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, Body{Success: false, Error: msg})
}

// BadRequest sends a 400 JSON error.
func BadRequest(c *gin.Context, msg string) { Fail(c, http.StatusBadRequest, msg) }

// Unauthorized sends a 401 JSON error.
func Unauthorized(c *gin.Context, msg string) { Fail(c, http.StatusUnauthorized, msg) }

// NotFound sends a 404 JSON error.
func NotFound(c *gin.Context, msg string) { Fail(c, http.StatusNotFound, msg) }

// PayloadTooLarge is sent for chunks over the ingest ceiling; clients must not retry them.
func PayloadTooLarge(c *gin.Context, msg string) { Fail(c, http.StatusRequestEntityTooLarge, msg) }

// ServiceUnavailable reports an optional backend (history, queue) that is not configured.
func ServiceUnavailable(c *gin.Context, msg string) { Fail(c, http.StatusServiceUnavailable, msg) }

// Internal sends a 500 JSON error.
func Internal(c *gin.Context, msg string) { Fail(c, http.StatusInternalServerError, msg) }
