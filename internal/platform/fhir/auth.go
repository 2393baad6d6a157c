package fhir

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// BackendServicesTokenSource implements the client side of the SMART
// Backend Services flow (SMART App Launch v2.0, §5): a short-lived RS384
// client assertion is exchanged at the token endpoint for a bearer token,
// which is cached until shortly before expiry.
type BackendServicesTokenSource struct {
	tokenURL string
	clientID string
	key      *rsa.PrivateKey
	scopes   string
	http     *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewBackendServicesTokenSource builds a token source from a PEM-encoded
// RSA private key (PKCS#1 or PKCS#8).
func NewBackendServicesTokenSource(tokenURL, clientID, privateKeyPEM, scopes string) (*BackendServicesTokenSource, error) {
	key, err := parseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	if scopes == "" {
		scopes = "system/*.read system/*.write"
	}
	return &BackendServicesTokenSource{
		tokenURL: tokenURL,
		clientID: clientID,
		key:      key,
		scopes:   scopes,
		http:     &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// Token returns a cached bearer token, refreshing it when less than a
// minute of lifetime remains.
func (ts *BackendServicesTokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && time.Until(ts.expires) > time.Minute {
		return ts.token, nil
	}

	assertion, err := ts.signAssertion()
	if err != nil {
		return "", err
	}

	form := url.Values{
		"grant_type":            {"client_credentials"},
		"scope":                 {ts.scopes},
		"client_assertion_type": {"urn:ietf:params:oauth:client-assertion-type:jwt-bearer"},
		"client_assertion":      {assertion},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("fhir: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fhir: token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fhir: token endpoint returned status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("fhir: decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("fhir: token endpoint returned no access_token")
	}

	ts.token = body.AccessToken
	ts.expires = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	return ts.token, nil
}

// signAssertion builds the client authentication JWT. Per the SMART
// spec: iss = sub = client_id, aud = token URL, lifetime <= 5 minutes.
func (ts *BackendServicesTokenSource) signAssertion() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": ts.clientID,
		"sub": ts.clientID,
		"aud": ts.tokenURL,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(4 * time.Minute).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS384, claims)
	signed, err := token.SignedString(ts.key)
	if err != nil {
		return "", fmt.Errorf("fhir: sign client assertion: %w", err)
	}
	return signed, nil
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("fhir: private key is not valid PEM")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("fhir: parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("fhir: private key is not RSA")
	}
	return key, nil
}
