package router

import (
	"errors"
	"fmt"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/OpenNSW/cardflow/internal/auth"
	"github.com/OpenNSW/cardflow/utils"
)

func actorOf(c *gin.Context) *auth.Actor {
	return auth.GetActor(c.Request.Context())
}

// uuidParam parses a path parameter as a UUID, answering 400 when it is malformed.
func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	raw := c.Param(name)
	if raw == "" {
		badRequest(c, fmt.Sprintf("missing %s in path", name))
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		badRequest(c, fmt.Sprintf("invalid %s: %v", name, err))
		return uuid.Nil, false
	}
	return id, true
}

// bindJSON decodes the request body into v, answering 400 on malformed input.
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// bindOptionalJSON is bindJSON for endpoints whose body may be omitted.
func bindOptionalJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func paginationQuery(c *gin.Context) (*int, *int, bool) {
	offset, limit, err := utils.ParsePaginationQuery(c.Request.URL.Query())
	if err != nil {
		badRequest(c, err.Error())
		return nil, nil, false
	}
	return offset, limit, true
}
