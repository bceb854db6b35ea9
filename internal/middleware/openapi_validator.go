package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"

	"pandapi-streams/internal/observability"
)

// OpenAPIValidatorConfig controls contract checking of the stream API.
type OpenAPIValidatorConfig struct {
	Enabled  bool
	SpecPath string
	// ValidateRequests rejects requests that break the contract with 400.
	ValidateRequests bool
	// ValidateResponses only logs mismatches; the response is sent as is.
	ValidateResponses bool
	// SkipPaths match exactly, or as a prefix of "<path>/".
	SkipPaths []string
}

// DefaultOpenAPIValidatorConfig validates requests against api/openapi.yaml
// once Enabled is switched on. Health, metrics and websocket paths are skipped.
func DefaultOpenAPIValidatorConfig() *OpenAPIValidatorConfig {
	return &OpenAPIValidatorConfig{
		SpecPath:         "api/openapi.yaml",
		ValidateRequests: true,
		SkipPaths:        []string{"/health", "/metrics", "/ws/"},
	}
}

// contractChecker holds the routed contract shared by every request.
type contractChecker struct {
	cfg    *OpenAPIValidatorConfig
	router routers.Router
	opts   *openapi3filter.Options
}

// OpenAPIValidator checks /api/v1 traffic against the OpenAPI contract. A
// disabled config, or a contract that cannot be loaded, yields a pass-through
// so a bad deployment file never takes the API down.
func OpenAPIValidator(cfg *OpenAPIValidatorConfig) func(next http.Handler) http.Handler {
	if cfg == nil {
		cfg = DefaultOpenAPIValidatorConfig()
	}
	passThrough := func(next http.Handler) http.Handler { return next }

	if !cfg.Enabled {
		slog.Info("OpenAPI validation disabled")
		return passThrough
	}

	router, err := loadContract(cfg.SpecPath)
	if err != nil {
		slog.Error("OpenAPI validation not active",
			slog.String("path", cfg.SpecPath),
			slog.String("error", err.Error()))
		return passThrough
	}

	slog.Info("OpenAPI validation enabled",
		slog.String("spec_path", cfg.SpecPath),
		slog.Bool("validate_requests", cfg.ValidateRequests),
		slog.Bool("validate_responses", cfg.ValidateResponses))

	c := &contractChecker{
		cfg:    cfg,
		router: router,
		// Wallet identity is not authenticated, so security schemes always pass.
		opts: &openapi3filter.Options{AuthenticationFunc: openapi3filter.NoopAuthenticationFunc},
	}
	return c.middleware
}

func loadContract(path string) (routers.Router, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = true

	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid document: %w", err)
	}
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("build router: %w", err)
	}
	return router, nil
}

func (c *contractChecker) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldSkipPath(r.URL.Path, c.cfg.SkipPaths) {
			next.ServeHTTP(w, r)
			return
		}
		log := observability.FromContext(r.Context()).With(
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path))

		route, params, err := c.router.FindRoute(r)
		if err != nil {
			if !c.cfg.ValidateRequests {
				next.ServeHTTP(w, r)
				return
			}
			log.Warn("request outside API contract")
			writeContractError(w, fmt.Sprintf("Path not found in OpenAPI spec: %s %s", r.Method, r.URL.Path))
			return
		}

		in := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: params,
			Route:      route,
			Options:    c.opts,
		}
		if c.cfg.ValidateRequests {
			if err := openapi3filter.ValidateRequest(r.Context(), in); err != nil {
				log.Warn("request validation failed", slog.String("error", err.Error()))
				writeContractError(w, "Request validation failed: "+err.Error())
				return
			}
		}

		if !c.cfg.ValidateResponses {
			next.ServeHTTP(w, r)
			return
		}

		rec := &bodyRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		err = openapi3filter.ValidateResponse(r.Context(), &openapi3filter.ResponseValidationInput{
			RequestValidationInput: in,
			Status:                 rec.status,
			Header:                 rec.Header(),
			Body:                   io.NopCloser(bytes.NewReader(rec.body.Bytes())),
			Options:                c.opts,
		})
		if err != nil {
			log.Warn("response breaks API contract",
				slog.Int("status", rec.status),
				slog.String("error", err.Error()))
		}
	})
}

// shouldSkipPath reports whether path is one of skipPaths or lies under one.
// "/health" therefore also covers "/health/ready".
func shouldSkipPath(path string, skipPaths []string) bool {
	for _, skip := range skipPaths {
		if path == skip || strings.HasPrefix(path, strings.TrimSuffix(skip, "/")+"/") {
			return true
		}
	}
	return false
}

func writeContractError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// bodyRecorder tees the response so it can be checked after it is sent.
type bodyRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (b *bodyRecorder) WriteHeader(status int) {
	b.status = status
	b.ResponseWriter.WriteHeader(status)
}

func (b *bodyRecorder) Write(p []byte) (int, error) {
	b.body.Write(p)
	return b.ResponseWriter.Write(p)
}
