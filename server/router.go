package server

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Options struct {
	Token        string
	AllowOrigins []string
	Gzip         bool
}

func NewRouter(h *Handler, opts Options, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = h.maxUploadBytes
	r.Use(RequestID(), AccessLog(logger), gin.Recovery(), CORS(opts.AllowOrigins))
	if opts.Gzip {
		r.Use(gzip.Gzip(gzip.DefaultCompression))
	}

	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	r.POST("/detect-category", Auth(opts.Token), h.DetectCategory)
	return r
}
