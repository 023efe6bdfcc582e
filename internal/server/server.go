// Package server is the HTTP boundary: it binds the tenant stores, the
// SMART simulator and the websocket hub onto one echo instance. Handlers
// translate the wire request into a store.RequestContext, let the tenant
// store do the work, and render the ResponseContext back out in the
// negotiated format.
package server

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhircandle/candle/internal/auth"
	"github.com/fhircandle/candle/internal/platform/fhir"
	"github.com/fhircandle/candle/internal/platform/ws"
	"github.com/fhircandle/candle/internal/store"
)

// Server wires the HTTP surface.
type Server struct {
	log      zerolog.Logger
	registry *store.Registry
	smart    *auth.Manager
	hub      *ws.Hub
	echo     *echo.Echo
}

// New builds the server and registers every route. The hub may be nil when
// the websocket channel is disabled.
func New(log zerolog.Logger, registry *store.Registry, smart *auth.Manager, hub *ws.Hub) *Server {
	s := &Server{
		log:      log.With().Str("component", "http").Logger(),
		registry: registry,
		smart:    smart,
		hub:      hub,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(recovery(s.log))
	e.Use(requestLogger(s.log))

	e.GET("/health", s.handleHealth)

	// SMART simulator surface.
	e.GET("/_smart/:tenant/authorize", s.handleAuthorize)
	e.POST("/_smart/:tenant/token", s.handleToken)
	e.POST("/_smart/:tenant/introspect", s.handleIntrospect)
	e.GET("/smart/login", s.handleLoginGet)
	e.POST("/smart/login", s.handleLoginPost)

	if hub != nil {
		e.GET("/_ws/:id", s.handleWebSocket)
	}

	e.GET("/:tenant/.well-known/smart-configuration", s.handleWellKnown)

	// Everything else under /{tenant} is a FHIR interaction; the tenant
	// store's parser decides what it means.
	e.Any("/:tenant", s.handleFHIR)
	e.Any("/:tenant/*", s.handleFHIR)

	s.echo = e
	return s
}

// Handler exposes the router, for tests and for the command wiring.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error { return s.echo.Start(addr) }

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error { return s.echo.Shutdown(ctx) }

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"tenants": s.registry.Names(),
	})
}

func (s *Server) handleWebSocket(c echo.Context) error {
	return s.hub.Serve(c.Response(), c.Request(), c.Param("id"))
}

func (s *Server) handleFHIR(c echo.Context) error {
	tenant := c.Param("tenant")
	ts := s.registry.Get(tenant)
	if ts == nil {
		return s.renderError(c, fhir.ErrNotFound("unknown tenant %q", tenant))
	}

	req := c.Request()
	method := req.Method
	head := method == http.MethodHead
	if head {
		method = http.MethodGet
	}

	rel := strings.TrimPrefix(req.URL.EscapedPath(), "/"+tenant)
	rel = strings.TrimPrefix(rel, "/")
	rawQuery := req.URL.RawQuery

	var body []byte
	if req.Body != nil {
		var err error
		if body, err = io.ReadAll(req.Body); err != nil {
			return s.renderError(c, fhir.ErrBadRequest("reading request body: %s", err))
		}
	}

	// POST {Type}/_search carries its parameters form-encoded in the body;
	// fold them into the query string before dispatch.
	if method == http.MethodPost && (rel == "_search" || strings.HasSuffix(rel, "/_search")) {
		if len(body) > 0 {
			form, err := url.ParseQuery(string(body))
			if err != nil {
				return s.renderError(c, fhir.ErrBadRequest("malformed search form: %s", err))
			}
			if encoded := form.Encode(); encoded != "" {
				if rawQuery != "" {
					rawQuery += "&"
				}
				rawQuery += encoded
			}
		}
		body = nil
	}

	sourceFormat := fhir.FormatJSON
	if len(body) > 0 {
		format, ok := fhir.NormalizeFormat(req.Header.Get("Content-Type"))
		if !ok {
			return s.renderError(c, fhir.ErrUnsupportedMediaType(
				"unsupported content type %q", req.Header.Get("Content-Type")))
		}
		sourceFormat = format
	}

	target := rel
	if rawQuery != "" {
		target += "?" + rawQuery
	}

	rc := &store.RequestContext{
		Tenant:          tenant,
		Method:          method,
		URL:             target,
		Body:            body,
		SourceFormat:    sourceFormat,
		IfMatch:         req.Header.Get("If-Match"),
		IfNoneMatch:     req.Header.Get("If-None-Match"),
		IfModifiedSince: req.Header.Get("If-Modified-Since"),
		IfNoneExist:     req.Header.Get("If-None-Exist"),
		Authorize:       s.authorizer(ts, c),
	}

	resp := ts.Handle(rc)
	return s.render(c, resp, head)
}

// authorizer decides how the request is scope-checked. An open tenant gets
// no check; a smart-allowed tenant is checked only when a bearer token is
// presented; a smart-required tenant is always checked.
func (s *Server) authorizer(ts *store.TenantStore, c echo.Context) func(*fhir.Interaction) error {
	cfg := ts.Config()
	token := bearerToken(c.Request().Header.Get("Authorization"))
	if !cfg.SmartRequired && (token == "" || !cfg.SmartAllowed) {
		return nil
	}
	tenant := ts.Name()
	return func(in *fhir.Interaction) error {
		return s.smart.Authorize(tenant, token, in)
	}
}

func bearerToken(header string) string {
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func (s *Server) render(c echo.Context, resp *store.ResponseContext, head bool) error {
	h := c.Response().Header()
	if resp.ETag != "" {
		h.Set("ETag", resp.ETag)
	}
	if resp.LastModified != "" {
		h.Set("Last-Modified", resp.LastModified)
	}
	if resp.Location != "" {
		h.Set("Location", resp.Location)
	}
	if resp.Resource == nil || head || resp.Status == http.StatusNotModified {
		return c.NoContent(resp.Status)
	}

	format, pretty, summary := negotiate(c)
	data, err := fhir.SerializeResource(resp.Resource, format, pretty, summary)
	if err != nil {
		s.log.Error().Err(err).Msg("serialize response")
		return c.JSON(http.StatusInternalServerError, fhir.Outcome(err))
	}
	return c.Blob(resp.Status, string(format), data)
}

func (s *Server) renderError(c echo.Context, err error) error {
	fe := fhir.AsError(err)
	format, pretty, _ := negotiate(c)
	data, serr := fhir.SerializeResource(fhir.Outcome(fe), format, pretty, false)
	if serr != nil {
		return c.JSON(fe.Status, fhir.Outcome(fe))
	}
	return c.Blob(fe.Status, string(format), data)
}

// negotiate picks the response format. _format wins over Accept; anything
// unrecognized (a browser's text/html, say) falls back to JSON.
func negotiate(c echo.Context) (format fhir.Format, pretty, summary bool) {
	format = fhir.FormatJSON
	if f, ok := fhir.NormalizeFormat(c.QueryParam("_format")); ok && c.QueryParam("_format") != "" {
		format = f
	} else if f, ok := fhir.NormalizeFormat(c.Request().Header.Get("Accept")); ok {
		format = f
	}
	pretty = c.QueryParam("_pretty") == "true"
	summary = c.QueryParam("_summary") == "true"
	return format, pretty, summary
}
