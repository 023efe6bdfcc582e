package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/fhircandle/candle/internal/platform/fhir"
)

const testBase = "http://localhost:5826/fhir/r4"

func challengeFor(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// runFlow drives authorize -> login -> token and returns the response.
func runFlow(t *testing.T, m *Manager, verifier string) (*TokenResponse, string) {
	t.Helper()
	redirect, err := m.RequestAuth("r4", testBase, AuthRequest{
		ResponseType:        "code",
		ClientID:            "demo-client",
		RedirectURI:         "https://app.example.org/callback",
		Scope:               "openid patient/*.rs user/Patient.cruds",
		State:               "xyz",
		Audience:            testBase + "/",
		CodeChallenge:       challengeFor("correct-verifier"),
		CodeChallengeMethod: "S256",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(redirect, "/smart/login?store=r4&key=") {
		t.Fatalf("login redirect = %q", redirect)
	}
	key := redirect[strings.LastIndex(redirect, "=")+1:]

	if !m.TryUpdateAuth(key, "Practitioner/doc1", "p1", "doc1") {
		t.Fatal("TryUpdateAuth failed")
	}
	clientRedirect, ok := m.TryGetClientRedirect(key)
	if !ok {
		t.Fatal("TryGetClientRedirect failed")
	}
	if !strings.Contains(clientRedirect, "code=") || !strings.Contains(clientRedirect, "state=xyz") {
		t.Fatalf("client redirect = %q", clientRedirect)
	}
	code := clientRedirect[strings.Index(clientRedirect, "code=")+5:]
	code = strings.SplitN(code, "&", 2)[0]

	resp, err := m.TryCreateSmartResponse("r4", "demo-client", code, verifier)
	if err != nil {
		return nil, key
	}
	return resp, key
}

func TestAuthorizationCodeFlow(t *testing.T) {
	m := NewManager(zerolog.Nop())
	resp, _ := runFlow(t, m, "correct-verifier")
	if resp == nil {
		t.Fatal("exchange failed with correct verifier")
	}
	if resp.TokenType != "Bearer" || resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Patient != "p1" {
		t.Errorf("patient = %q", resp.Patient)
	}
	if len(resp.AccessToken) < 37 || resp.AccessToken[36] != '_' {
		t.Errorf("token shape = %q", resp.AccessToken)
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(resp.IDToken, claims, func(*jwt.Token) (interface{}, error) {
		return idTokenKey, nil
	})
	if err != nil {
		t.Fatalf("id token did not verify: %v", err)
	}
	if claims["sub"] != testBase || claims["fhirUser"] != "Practitioner/doc1" {
		t.Errorf("claims = %v", claims)
	}
}

func TestPKCEWrongVerifierFails(t *testing.T) {
	m := NewManager(zerolog.Nop())
	resp, _ := runFlow(t, m, "wrong-verifier")
	if resp != nil {
		t.Fatal("exchange succeeded with wrong verifier")
	}
}

func TestAudienceMismatchRejected(t *testing.T) {
	m := NewManager(zerolog.Nop())
	_, err := m.RequestAuth("r4", testBase, AuthRequest{
		ClientID: "demo-client",
		Audience: "http://other.example.org/fhir",
	})
	if err == nil {
		t.Fatal("mismatched audience accepted")
	}
	// Trailing slash differences are tolerated.
	if _, err := m.RequestAuth("r4", testBase+"/", AuthRequest{
		ClientID: "demo-client",
		Audience: testBase,
	}); err != nil {
		t.Fatalf("trailing slash rejected: %v", err)
	}
}

func TestRefreshRotatesTokens(t *testing.T) {
	m := NewManager(zerolog.Nop())
	resp, _ := runFlow(t, m, "correct-verifier")
	if resp == nil {
		t.Fatal("flow failed")
	}

	refreshed, err := m.TryRefreshSmartResponse("demo-client", resp.RefreshToken)
	if err != nil {
		t.Fatal(err)
	}
	if refreshed.AccessToken == resp.AccessToken || refreshed.RefreshToken == resp.RefreshToken {
		t.Error("tokens were not rotated")
	}
	// The old refresh token is dead.
	if _, err := m.TryRefreshSmartResponse("demo-client", resp.RefreshToken); err == nil {
		t.Error("stale refresh token accepted")
	}
	// Wrong client is rejected.
	if _, err := m.TryRefreshSmartResponse("other-client", refreshed.RefreshToken); err == nil {
		t.Error("wrong client accepted")
	}
}

func TestIntrospection(t *testing.T) {
	m := NewManager(zerolog.Nop())
	resp, _ := runFlow(t, m, "correct-verifier")
	if resp == nil {
		t.Fatal("flow failed")
	}

	active := m.Introspect(resp.AccessToken)
	if active["active"] != true {
		t.Fatalf("introspection = %v", active)
	}
	if active["client_id"] != "demo-client" || active["username"] != "Practitioner/doc1" {
		t.Errorf("introspection = %v", active)
	}
	if m.Introspect("nonsense")["active"] != false {
		t.Error("garbage token introspects active")
	}
	if m.Introspect(resp.RefreshToken)["active"] != false {
		t.Error("refresh token introspects as access token")
	}
}

func TestAuthorizeInteraction(t *testing.T) {
	m := NewManager(zerolog.Nop())
	resp, _ := runFlow(t, m, "correct-verifier")
	if resp == nil {
		t.Fatal("flow failed")
	}
	token := resp.AccessToken

	cases := []struct {
		name string
		in   fhir.Interaction
		want bool
	}{
		{"capabilities always allowed", fhir.Interaction{Kind: fhir.SystemCapabilities}, true},
		{"batch envelope always allowed", fhir.Interaction{Kind: fhir.SystemBundle}, true},
		{"patient wildcard read", fhir.Interaction{Kind: fhir.InstanceRead, ResourceType: "Observation"}, true},
		{"patient wildcard search", fhir.Interaction{Kind: fhir.TypeSearch, ResourceType: "Encounter"}, true},
		{"user Patient create", fhir.Interaction{Kind: fhir.TypeCreate, ResourceType: "Patient"}, true},
		{"no create on other types", fhir.Interaction{Kind: fhir.TypeCreate, ResourceType: "Observation"}, false},
		{"no delete via rs", fhir.Interaction{Kind: fhir.InstanceDelete, ResourceType: "Observation"}, false},
		{"user Patient delete", fhir.Interaction{Kind: fhir.InstanceDelete, ResourceType: "Patient"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := m.Authorize("r4", token, &tc.in)
			if (err == nil) != tc.want {
				t.Errorf("Authorize = %v, want allowed=%v", err, tc.want)
			}
		})
	}

	if err := m.Authorize("r4", "bogus", &fhir.Interaction{Kind: fhir.InstanceRead, ResourceType: "Patient"}); err == nil {
		t.Error("bogus token authorized")
	}
	if err := m.Authorize("r5", token, &fhir.Interaction{Kind: fhir.InstanceRead, ResourceType: "Patient"}); err == nil {
		t.Error("token accepted for another tenant")
	}
}

func TestParseScope(t *testing.T) {
	cases := []struct {
		scope   string
		ok      bool
		letters string
	}{
		{"patient/Observation.rs", true, "rs"},
		{"user/*.cruds", true, "cruds"},
		{"*.*", true, "cruds"},
		{"system/Patient.c", true, "c"},
		{"openid", false, ""},
		{"launch/patient", false, ""},
		{"patient/Observation.xyz", false, ""},
		{"patient/.rs", false, ""},
	}
	for _, tc := range cases {
		g, ok := parseScope(tc.scope)
		if ok != tc.ok {
			t.Errorf("parseScope(%q) ok = %v, want %v", tc.scope, ok, tc.ok)
			continue
		}
		if ok && g.letters != tc.letters {
			t.Errorf("parseScope(%q) letters = %q, want %q", tc.scope, g.letters, tc.letters)
		}
	}
}
