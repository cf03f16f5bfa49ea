package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/router-for-me/KiroProxyAPI/internal/translator"
)

// Models serves the static model catalog on GET /v1/models.
func Models(c *gin.Context) {
	models := translator.Catalog()
	c.JSON(http.StatusOK, gin.H{
		"data":     models,
		"has_more": false,
		"first_id": models[0].ID,
		"last_id":  models[len(models)-1].ID,
	})
}
