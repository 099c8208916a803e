package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/policeconduct/formsapi/config"
)

// AllowedMethods is the value of the Allow header on 405 responses.
const AllowedMethods = "GET, POST, OPTIONS"

// NoStore marks every response as uncacheable. Draft contents are personal
// data and must never be held by a shared cache.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// CORS lets the public site call the API from the browser. A preflight from
// an origin outside the list skips the CORS handler and gets the plain 204
// from Preflight, without any Access-Control headers.
func CORS(cfg *config.CORSConfig) gin.HandlerFunc {
	corsCfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", HeaderRequestID},
		ExposeHeaders: []string{HeaderRequestID},
		MaxAge:        10 * time.Minute,
	}
	if len(cfg.AllowOrigins) == 0 || (len(cfg.AllowOrigins) == 1 && cfg.AllowOrigins[0] == "*") {
		corsCfg.AllowAllOrigins = true
		return cors.New(corsCfg)
	}

	corsCfg.AllowOrigins = cfg.AllowOrigins
	handler := cors.New(corsCfg)
	allowed := make(map[string]bool, len(cfg.AllowOrigins))
	for _, origin := range cfg.AllowOrigins {
		allowed[strings.ToLower(origin)] = true
	}
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions && !allowed[strings.ToLower(c.GetHeader("Origin"))] {
			c.Next()
			return
		}
		handler(c)
	}
}

// Preflight answers every OPTIONS request with an empty 204, whatever the
// path. Requests the CORS middleware already answered never get here.
func Preflight() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// StripPrefix removes the API gateway stage prefix before routing, so
// "/api/forms/draft" and "/forms/draft" reach the same handler. Paths
// without the prefix pass through unchanged.
func StripPrefix(prefix string, next http.Handler) http.Handler {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rest, ok := strings.CutPrefix(r.URL.Path, prefix); ok && strings.HasPrefix(rest, "/") {
			r2 := r.Clone(r.Context())
			r2.URL.Path = rest
			r2.URL.RawPath = ""
			next.ServeHTTP(w, r2)
			return
		}
		next.ServeHTTP(w, r)
	})
}
