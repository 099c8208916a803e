package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/policeconduct/formsapi/config"
	"github.com/policeconduct/formsapi/middleware"
	"github.com/policeconduct/formsapi/pkg/metrics"
)

// RouterConfig carries the optional collaborators of the router.
type RouterConfig struct {
	// PathPrefix is stripped from request paths before routing.
	PathPrefix string
	CORS       *config.CORSConfig
	// TrustedProxies lists the proxy addresses or CIDRs whose
	// X-Forwarded-For is believed. Empty means the peer address is the
	// client.
	TrustedProxies []string
	// TrustedPlatform names a header set by the gateway that carries the
	// client IP, such as gin.PlatformCloudflare.
	TrustedPlatform string
	// Limiter is nil when rate limiting is disabled.
	Limiter middleware.Limiter
	Metrics *metrics.Metrics
}

// NewRouter builds the forms API. Only the three form routes exist; every
// other method or path gets a 405, and OPTIONS always gets an empty 204.
func NewRouter(h *FormsHandler, cfg RouterConfig) (http.Handler, error) {
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.RedirectTrailingSlash = false
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	router.TrustedPlatform = cfg.TrustedPlatform

	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger(cfg.Metrics))
	router.Use(middleware.NoStore())
	if cfg.CORS != nil {
		router.Use(middleware.CORS(cfg.CORS))
	}
	router.Use(middleware.Preflight())
	if cfg.Limiter != nil {
		router.Use(middleware.RateLimit(cfg.Limiter))
	}

	forms := router.Group("/forms")
	{
		forms.GET("/draft", h.GetDraft)
		forms.POST("/draft", h.SaveDraft)
		forms.POST("/submit", h.Submit)
	}

	router.NoRoute(MethodNotAllowed)
	router.NoMethod(MethodNotAllowed)

	return middleware.StripPrefix(cfg.PathPrefix, router), nil
}
