package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/wudi/funcrun/internal/model"
)

// isPreflight reports whether the request is a CORS preflight for a
// CORS-enabled route.
func isPreflight(r *http.Request, cors model.CORSSettings) bool {
	return cors.Enabled &&
		r.Method == http.MethodOptions &&
		r.Header.Get("Origin") != "" &&
		r.Header.Get("Access-Control-Request-Method") != ""
}

// handlePreflight writes the 204 preflight response. A disallowed origin
// still gets 204, just without the allow headers.
func handlePreflight(w http.ResponseWriter, r *http.Request, cors model.CORSSettings) {
	origin := r.Header.Get("Origin")
	if !originAllowed(origin, cors) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	respOrigin := origin
	if allowsAllOrigins(cors) && !cors.AllowCredentials {
		respOrigin = "*"
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", respOrigin)
	if len(cors.AllowMethods) > 0 {
		h.Set("Access-Control-Allow-Methods", strings.Join(cors.AllowMethods, ", "))
	} else {
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, OPTIONS")
	}
	if len(cors.AllowHeaders) > 0 {
		h.Set("Access-Control-Allow-Headers", strings.Join(cors.AllowHeaders, ", "))
	} else {
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Api-Key")
	}
	if cors.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if cors.MaxAge > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(cors.MaxAge))
	} else {
		h.Set("Access-Control-Max-Age", "86400")
	}
	h.Set("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
	w.WriteHeader(http.StatusNoContent)
}

// applyCORSHeaders adds the origin/credential headers to a non-preflight
// response.
func applyCORSHeaders(w http.ResponseWriter, r *http.Request, cors model.CORSSettings) {
	if !cors.Enabled {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" || !originAllowed(origin, cors) {
		return
	}

	respOrigin := origin
	if allowsAllOrigins(cors) && !cors.AllowCredentials {
		respOrigin = "*"
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", respOrigin)
	if cors.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if len(cors.ExposeHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(cors.ExposeHeaders, ", "))
	}
	h.Set("Vary", "Origin")
}

func allowsAllOrigins(cors model.CORSSettings) bool {
	for _, o := range cors.AllowOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

func originAllowed(origin string, cors model.CORSSettings) bool {
	if allowsAllOrigins(cors) {
		return true
	}
	for _, allowed := range cors.AllowOrigins {
		if allowed == origin {
			return true
		}
		if rest, ok := strings.CutPrefix(allowed, "*."); ok {
			if strings.HasSuffix(origin, "."+rest) {
				return true
			}
		}
	}
	return false
}
