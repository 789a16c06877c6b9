package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// timeFormat is the timestamp layout used in API responses
const timeFormat = time.RFC3339

// paginationFromQuery parses page and page_size query parameters,
// falling back to page 1 and the given default size
func paginationFromQuery(c *gin.Context, defaultSize int) (page, pageSize int) {
	page = 1
	pageSize = defaultSize

	if v, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(defaultSize))); err == nil && v > 0 {
		pageSize = v
	}
	return page, pageSize
}
