// Package auth implements the SMART-on-FHIR authorization simulator: the
// authorize/login/consent/token flow with PKCE, token refresh and
// introspection, and scope checking against parsed interactions. It is a
// conformance simulator, not a security boundary.
package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhircandle/candle/internal/platform/fhir"
)

const (
	authCodeTTL    = 10 * time.Minute
	accessTokenTTL = time.Hour
)

// idTokenKey signs id tokens symmetrically. Deliberately fixed: clients
// exercising the flow need decodable tokens, not secrecy.
var idTokenKey = []byte("candle-smart-simulator")

// AuthRequest carries the query parameters of GET /authorize.
type AuthRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Audience            string
	CodeChallenge       string
	CodeChallengeMethod string
	Launch              string
}

// AuthorizationInfo is the state of one authorization flow, keyed by its
// UUID key for the lifetime of the process.
type AuthorizationInfo struct {
	Key      string
	Tenant   string
	Audience string

	ClientID    string
	RedirectURI string
	State       string
	Launch      string

	RequestedScopes string
	GrantedScopes   map[string]bool

	PKCEChallenge string
	PKCEMethod    string

	AuthCode string
	Expires  time.Time

	UserID             string
	LaunchPatient      string
	LaunchPractitioner string

	AccessToken   string
	RefreshToken  string
	AccessExpires time.Time
	Authorized    bool
}

// TokenResponse is the JSON body of a successful token exchange.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token,omitempty"`
	Patient      string `json:"patient,omitempty"`
	Practitioner string `json:"practitioner,omitempty"`
}

// Manager owns the per-process authorization map. The tenant registry
// holds one manager and passes it by handle.
type Manager struct {
	log zerolog.Logger

	mu    sync.Mutex
	auths map[string]*AuthorizationInfo
}

// NewManager builds an empty manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		log:   log.With().Str("component", "smart").Logger(),
		auths: map[string]*AuthorizationInfo{},
	}
}

// RequestAuth starts a flow. The audience must equal the tenant's base URL
// modulo a trailing slash. It returns the login redirect.
func (m *Manager) RequestAuth(tenant, baseURL string, req AuthRequest) (string, error) {
	if req.ResponseType != "" && req.ResponseType != "code" {
		return "", fmt.Errorf("unsupported response_type %q", req.ResponseType)
	}
	if req.ClientID == "" {
		return "", fmt.Errorf("client_id is required")
	}
	if !sameAudience(req.Audience, baseURL) {
		return "", fmt.Errorf("audience %q does not match the tenant base url", req.Audience)
	}
	if req.CodeChallenge != "" && req.CodeChallengeMethod != "S256" {
		return "", fmt.Errorf("unsupported code_challenge_method %q", req.CodeChallengeMethod)
	}

	key := uuid.NewString()
	info := &AuthorizationInfo{
		Key:             key,
		Tenant:          tenant,
		Audience:        strings.TrimSuffix(baseURL, "/"),
		ClientID:        req.ClientID,
		RedirectURI:     req.RedirectURI,
		State:           req.State,
		Launch:          req.Launch,
		RequestedScopes: req.Scope,
		GrantedScopes:   map[string]bool{},
		PKCEChallenge:   req.CodeChallenge,
		PKCEMethod:      req.CodeChallengeMethod,
		AuthCode:        key + "_" + uuid.NewString(),
		Expires:         time.Now().Add(authCodeTTL),
	}
	for _, scope := range strings.Fields(req.Scope) {
		info.GrantedScopes[scope] = true
	}

	m.mu.Lock()
	m.auths[key] = info
	m.mu.Unlock()

	m.log.Info().Str("tenant", tenant).Str("client", req.ClientID).Str("key", key).
		Msg("authorization requested")
	return fmt.Sprintf("/smart/login?store=%s&key=%s", tenant, key), nil
}

// Get returns a flow by key.
func (m *Manager) Get(key string) (*AuthorizationInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.auths[key]
	return info, ok
}

// TryUpdateAuth fills in the login identity for a pending flow.
func (m *Manager) TryUpdateAuth(key, userID, launchPatient, launchPractitioner string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.auths[key]
	if !ok {
		return false
	}
	info.UserID = userID
	info.LaunchPatient = launchPatient
	info.LaunchPractitioner = launchPractitioner
	return true
}

// SetScope toggles one scope during consent.
func (m *Manager) SetScope(key, scope string, granted bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.auths[key]
	if !ok {
		return false
	}
	if granted {
		info.GrantedScopes[scope] = true
	} else {
		delete(info.GrantedScopes, scope)
	}
	return true
}

// TryGetClientRedirect builds the post-consent redirect back to the
// client, carrying code and state.
func (m *Manager) TryGetClientRedirect(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.auths[key]
	if !ok || info.RedirectURI == "" {
		return "", false
	}
	sep := "?"
	if strings.Contains(info.RedirectURI, "?") {
		sep = "&"
	}
	redirect := info.RedirectURI + sep + "code=" + info.AuthCode
	if info.State != "" {
		redirect += "&state=" + info.State
	}
	return redirect, true
}

// TryCreateSmartResponse exchanges an authorization code for tokens. The
// flow is found by the first 36 characters of the code, its UUID key.
func (m *Manager) TryCreateSmartResponse(tenant, clientID, code, verifier string) (*TokenResponse, error) {
	key, ok := tokenKey(code)
	if !ok {
		return nil, fmt.Errorf("invalid_grant: malformed code")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	info, found := m.auths[key]
	if !found || info.AuthCode != code {
		return nil, fmt.Errorf("invalid_grant: unknown code")
	}
	if time.Now().After(info.Expires) {
		return nil, fmt.Errorf("invalid_grant: code expired")
	}
	if info.Tenant != tenant {
		return nil, fmt.Errorf("invalid_grant: tenant mismatch")
	}
	if info.ClientID != clientID {
		return nil, fmt.Errorf("invalid_client: client mismatch")
	}
	if info.PKCEChallenge != "" && !verifyPKCE(verifier, info.PKCEChallenge) {
		return nil, fmt.Errorf("invalid_grant: pkce verification failed")
	}

	info.AccessToken = key + "_" + uuid.NewString()
	info.RefreshToken = key + "_" + uuid.NewString()
	info.AccessExpires = time.Now().Add(accessTokenTTL)
	info.Authorized = true
	return m.tokenResponseLocked(info)
}

// TryRefreshSmartResponse rotates both tokens for a known refresh token.
func (m *Manager) TryRefreshSmartResponse(clientID, refreshToken string) (*TokenResponse, error) {
	key, ok := tokenKey(refreshToken)
	if !ok {
		return nil, fmt.Errorf("invalid_grant: malformed refresh token")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	info, found := m.auths[key]
	if !found || info.RefreshToken != refreshToken {
		return nil, fmt.Errorf("invalid_grant: unknown refresh token")
	}
	if info.ClientID != clientID {
		return nil, fmt.Errorf("invalid_client: client mismatch")
	}
	info.AccessToken = key + "_" + uuid.NewString()
	info.RefreshToken = key + "_" + uuid.NewString()
	info.AccessExpires = time.Now().Add(accessTokenTTL)
	return m.tokenResponseLocked(info)
}

func (m *Manager) tokenResponseLocked(info *AuthorizationInfo) (*TokenResponse, error) {
	idToken, err := m.idToken(info)
	if err != nil {
		return nil, err
	}
	return &TokenResponse{
		AccessToken:  info.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(accessTokenTTL / time.Second),
		Scope:        grantedScopeString(info),
		RefreshToken: info.RefreshToken,
		IDToken:      idToken,
		Patient:      info.LaunchPatient,
		Practitioner: info.LaunchPractitioner,
	}, nil
}

func (m *Manager) idToken(info *AuthorizationInfo) (string, error) {
	claims := jwt.MapClaims{
		"sub":      info.Audience,
		"profile":  info.UserID,
		"fhirUser": info.UserID,
		"aud":      info.ClientID,
		"iat":      time.Now().Unix(),
		"exp":      time.Now().Add(accessTokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(idTokenKey)
}

// Introspect answers POST /introspect.
func (m *Manager) Introspect(token string) map[string]interface{} {
	inactive := map[string]interface{}{"active": false}
	key, ok := tokenKey(token)
	if !ok {
		return inactive
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	info, found := m.auths[key]
	if !found || info.AccessToken != token || time.Now().After(info.AccessExpires) {
		return inactive
	}
	return map[string]interface{}{
		"active":    true,
		"scope":     grantedScopeString(info),
		"client_id": info.ClientID,
		"username":  info.UserID,
		"sub":       info.UserID,
		"aud":       info.Audience,
	}
}

// Lookup resolves a bearer token to its authorization, or nil.
func (m *Manager) Lookup(token string) *AuthorizationInfo {
	key, ok := tokenKey(token)
	if !ok {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	info, found := m.auths[key]
	if !found || info.AccessToken != token || time.Now().After(info.AccessExpires) {
		return nil
	}
	return info
}

// Authorize checks a bearer token against an interaction for one tenant.
func (m *Manager) Authorize(tenant, token string, in *fhir.Interaction) error {
	// Conformance and the batch envelope are always readable; entries
	// inside a batch are checked one by one.
	if in.Kind == fhir.SystemCapabilities || in.Kind == fhir.SystemBundle {
		return nil
	}
	info := m.Lookup(token)
	if info == nil {
		return fhir.ErrUnauthorized("missing or unknown access token")
	}
	if info.Tenant != tenant {
		return fhir.ErrForbidden("token was issued for another store")
	}
	if !scopesAllow(info.GrantedScopes, in) {
		return fhir.ErrForbidden("insufficient scope for %s", in.Kind)
	}
	return nil
}

// WellKnown renders /.well-known/smart-configuration for a tenant.
func WellKnown(tenantBaseURL, smartBaseURL string) map[string]interface{} {
	return map[string]interface{}{
		"issuer":                 tenantBaseURL,
		"authorization_endpoint": smartBaseURL + "/authorize",
		"token_endpoint":         smartBaseURL + "/token",
		"introspection_endpoint": smartBaseURL + "/introspect",
		"grant_types_supported":  []string{"authorization_code", "refresh_token"},
		"response_types_supported": []string{
			"code",
		},
		"code_challenge_methods_supported": []string{"S256"},
		"capabilities": []string{
			"launch-standalone", "client-public", "client-confidential-symmetric",
			"context-standalone-patient", "permission-patient", "permission-user",
		},
	}
}

// tokenKey extracts the 36-character UUID prefix shared by codes and
// tokens.
func tokenKey(token string) (string, bool) {
	if len(token) < 37 || token[36] != '_' {
		return "", false
	}
	return token[:36], true
}

// verifyPKCE checks base64url(sha256(verifier)) against the challenge.
func verifyPKCE(verifier, challenge string) bool {
	if verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:]) == challenge
}

func sameAudience(audience, baseURL string) bool {
	return strings.TrimSuffix(audience, "/") == strings.TrimSuffix(baseURL, "/")
}

func grantedScopeString(info *AuthorizationInfo) string {
	scopes := make([]string, 0, len(info.GrantedScopes))
	for scope := range info.GrantedScopes {
		scopes = append(scopes, scope)
	}
	return strings.Join(scopes, " ")
}
