package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sx2000cn/antigravity-pool/internal/config"
	"github.com/sx2000cn/antigravity-pool/pkg/anthropic"
)

// Models serves GET /v1/models from the static model table.
type Models struct{}

func NewModels() *Models {
	return &Models{}
}

func (Models) List(c *gin.Context) {
	created := time.Now().Unix()
	resp := anthropic.ModelsResponse{Object: "list"}
	for _, id := range config.KnownModels() {
		resp.Data = append(resp.Data, anthropic.Model{
			ID:      id,
			Object:  "model",
			Created: created,
			OwnedBy: string(config.GetModelFamily(id)),
		})
	}
	c.JSON(http.StatusOK, resp)
}
