package history

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// Handler は GET /api/history のハンドラーを返します。
func Handler(store *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultListLimit
		if raw := c.Query("limit"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "INVALID_INPUT",
					"message": "limit には1以上の整数を指定してください。",
				})
				return
			}
			limit = min(v, maxListLimit)
		}

		entries, err := store.List(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "履歴の取得に失敗しました。",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	}
}
