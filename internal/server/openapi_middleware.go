package server

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	legacyrouter "github.com/getkin/kin-openapi/routers/legacy"
	"github.com/gin-gonic/gin"
)

// openAPIValidator validates incoming API requests against the OpenAPI spec.
type openAPIValidator struct {
	router routers.Router
}

func newOpenAPIValidator() (*openAPIValidator, error) {
	b, err := loadOpenAPISpec()
	if err != nil {
		return nil, err
	}
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(b)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, err
	}
	r, err := legacyrouter.NewRouter(doc)
	if err != nil {
		return nil, err
	}
	return &openAPIValidator{router: r}, nil
}

// Middleware validates requests under /api/ against the spec. Requests the
// spec does not know are rejected before they reach a handler.
func (v *openAPIValidator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.Next()
			return
		}
		route, pathParams, err := v.router.FindRoute(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Request not in API spec", "detail": err.Error()})
			return
		}
		input := &openapi3filter.RequestValidationInput{
			Request:    c.Request,
			PathParams: pathParams,
			Route:      route,
			Options: &openapi3filter.Options{
				AuthenticationFunc: func(ctx context.Context, ai *openapi3filter.AuthenticationInput) error {
					return nil
				},
			},
		}
		if err := openapi3filter.ValidateRequest(c.Request.Context(), input); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Request failed validation", "detail": err.Error()})
			return
		}
		c.Next()
	}
}

// loadOpenAPISpec tries common locations for the spec document.
func loadOpenAPISpec() ([]byte, error) {
	if p := os.Getenv("ZMIGRATE_OPENAPI_PATH"); p != "" {
		if b, err := os.ReadFile(p); err == nil {
			return b, nil
		}
	}
	if b, err := os.ReadFile(filepath.Join("docs", "api", "openapi.yaml")); err == nil {
		return b, nil
	}
	// Running tests from a package directory.
	if b, err := os.ReadFile(filepath.Join("..", "..", "docs", "api", "openapi.yaml")); err == nil {
		return b, nil
	}
	return nil, os.ErrNotExist
}
