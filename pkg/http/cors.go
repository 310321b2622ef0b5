package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	httpHeaderOrigin                      = "Origin"
	httpHeaderVary                        = "Vary"
	httpHeaderAllowOrigin                 = "Access-Control-Allow-Origin"
	httpHeaderAllowCredentials            = "Access-Control-Allow-Credentials"
	httpHeaderAllowMethods                = "Access-Control-Allow-Methods"
	httpHeaderAllowHeaders                = "Access-Control-Allow-Headers"
	httpHeaderExposeHeaders               = "Access-Control-Expose-Headers"
	httpHeaderMaxAge                      = "Access-Control-Max-Age"
	httpHeaderAccessControlRequestHeaders = "Access-Control-Request-Headers"
)

// CorsPolicy is attached to every gateway response.
type CorsPolicy struct {
	AllowedOrigin    string
	AllowedMethods   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

func DefaultCorsPolicy() CorsPolicy {
	return CorsPolicy{
		AllowedOrigin:    "*",
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		ExposedHeaders:   []string{"Content-Range", "X-Content-Range", "X-Magento-Cache-Id", httpHeaderCache},
		AllowCredentials: true,
		MaxAge:           60480 * time.Second,
	}
}

// apply writes the policy headers. Browsers ignore a wildcard origin on credentialed
// requests, so the request origin is echoed in that case.
func (c CorsPolicy) apply(w http.ResponseWriter, r *http.Request) {
	header := w.Header()

	origin := c.AllowedOrigin
	if origin == "" {
		origin = "*"
	}
	if origin == "*" && c.AllowCredentials && r.Header.Get(httpHeaderOrigin) != "" {
		origin = r.Header.Get(httpHeaderOrigin)
		header.Add(httpHeaderVary, httpHeaderOrigin)
	}
	header.Set(httpHeaderAllowOrigin, origin)

	if c.AllowCredentials {
		header.Set(httpHeaderAllowCredentials, "true")
	}
	if len(c.AllowedMethods) > 0 {
		header.Set(httpHeaderAllowMethods, strings.Join(c.AllowedMethods, ", "))
	}
	if len(c.ExposedHeaders) > 0 {
		header.Set(httpHeaderExposeHeaders, strings.Join(c.ExposedHeaders, ", "))
	}
	if c.MaxAge > 0 {
		header.Set(httpHeaderMaxAge, strconv.Itoa(int(c.MaxAge/time.Second)))
	}
}

func (c CorsPolicy) preflight(w http.ResponseWriter, r *http.Request) {
	if requested := r.Header.Get(httpHeaderAccessControlRequestHeaders); requested != "" {
		w.Header().Set(httpHeaderAllowHeaders, requested)
	}
	w.WriteHeader(http.StatusNoContent)
}
