package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fhircandle/candle/internal/auth"
	"github.com/fhircandle/candle/internal/platform/fhir"
)

// oauthError is the RFC 6749 error body.
func oauthError(c echo.Context, status int, code, description string) error {
	return c.JSON(status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func (s *Server) handleWellKnown(c echo.Context) error {
	tenant := c.Param("tenant")
	ts := s.registry.Get(tenant)
	if ts == nil {
		return s.renderError(c, fhir.ErrNotFound("unknown tenant %q", tenant))
	}
	smartBase := c.Scheme() + "://" + c.Request().Host + "/_smart/" + tenant
	return c.JSON(http.StatusOK, auth.WellKnown(ts.BaseURL(), smartBase))
}

func (s *Server) handleAuthorize(c echo.Context) error {
	tenant := c.Param("tenant")
	ts := s.registry.Get(tenant)
	if ts == nil {
		return oauthError(c, http.StatusNotFound, "invalid_request", "unknown tenant "+tenant)
	}
	req := auth.AuthRequest{
		ResponseType:        c.QueryParam("response_type"),
		ClientID:            c.QueryParam("client_id"),
		RedirectURI:         c.QueryParam("redirect_uri"),
		Scope:               c.QueryParam("scope"),
		State:               c.QueryParam("state"),
		Audience:            c.QueryParam("aud"),
		CodeChallenge:       c.QueryParam("code_challenge"),
		CodeChallengeMethod: c.QueryParam("code_challenge_method"),
		Launch:              c.QueryParam("launch"),
	}
	if req.Audience == "" {
		req.Audience = c.QueryParam("audience")
	}
	redirect, err := s.smart.RequestAuth(tenant, ts.BaseURL(), req)
	if err != nil {
		return oauthError(c, http.StatusBadRequest, "invalid_request", err.Error())
	}
	return c.Redirect(http.StatusFound, redirect)
}

// handleLoginGet shows the pending authorization so a driver (test harness,
// sample app) can pick a user and review the requested scopes.
func (s *Server) handleLoginGet(c echo.Context) error {
	info, ok := s.smart.Get(c.QueryParam("key"))
	if !ok {
		return oauthError(c, http.StatusNotFound, "invalid_request", "unknown authorization key")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"key":              info.Key,
		"store":            info.Tenant,
		"client_id":        info.ClientID,
		"requested_scopes": info.RequestedScopes,
		"granted_scopes":   info.GrantedScopes,
	})
}

// handleLoginPost completes login and consent in one submission and sends
// the browser back to the client's redirect URI with the code.
func (s *Server) handleLoginPost(c echo.Context) error {
	key := c.FormValue("key")
	if !s.smart.TryUpdateAuth(key,
		c.FormValue("user"),
		c.FormValue("patient"),
		c.FormValue("practitioner")) {
		return oauthError(c, http.StatusNotFound, "invalid_request", "unknown authorization key")
	}
	form, err := c.FormParams()
	if err != nil {
		return oauthError(c, http.StatusBadRequest, "invalid_request", err.Error())
	}
	for _, scope := range form["grant"] {
		s.smart.SetScope(key, scope, true)
	}
	for _, scope := range form["deny"] {
		s.smart.SetScope(key, scope, false)
	}
	redirect, ok := s.smart.TryGetClientRedirect(key)
	if !ok {
		return oauthError(c, http.StatusBadRequest, "invalid_request", "authorization is not redirectable")
	}
	return c.Redirect(http.StatusFound, redirect)
}

func (s *Server) handleToken(c echo.Context) error {
	tenant := c.Param("tenant")
	if s.registry.Get(tenant) == nil {
		return oauthError(c, http.StatusNotFound, "invalid_request", "unknown tenant "+tenant)
	}
	c.Response().Header().Set("Cache-Control", "no-store")

	var resp *auth.TokenResponse
	var err error
	switch grant := c.FormValue("grant_type"); grant {
	case "authorization_code":
		resp, err = s.smart.TryCreateSmartResponse(tenant,
			c.FormValue("client_id"), c.FormValue("code"), c.FormValue("code_verifier"))
	case "refresh_token":
		resp, err = s.smart.TryRefreshSmartResponse(
			c.FormValue("client_id"), c.FormValue("refresh_token"))
	default:
		return oauthError(c, http.StatusBadRequest, "unsupported_grant_type", "grant_type "+grant)
	}
	if err != nil {
		return oauthError(c, http.StatusBadRequest, "invalid_grant", err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleIntrospect(c echo.Context) error {
	if s.registry.Get(c.Param("tenant")) == nil {
		return oauthError(c, http.StatusNotFound, "invalid_request", "unknown tenant")
	}
	return c.JSON(http.StatusOK, s.smart.Introspect(c.FormValue("token")))
}
