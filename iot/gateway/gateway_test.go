package gateway_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdant-tech/iothub/iot/certificates"
	"github.com/verdant-tech/iothub/iot/gateway"
)

type lookupFunc func(ctx context.Context, fingerprint string) (certificates.DeviceCertificate, bool, error)

func (f lookupFunc) ActiveByFingerprint(ctx context.Context, fingerprint string) (certificates.DeviceCertificate, bool, error) {
	return f(ctx, fingerprint)
}

const testFingerprint = "AB:CD:EF:01"

func singleCertificate(deviceID string) lookupFunc {
	return func(_ context.Context, fingerprint string) (certificates.DeviceCertificate, bool, error) {
		if certificates.NormalizeFingerprint(fingerprint) != certificates.NormalizeFingerprint(testFingerprint) {
			return certificates.DeviceCertificate{}, false, nil
		}
		return certificates.DeviceCertificate{
			DeviceID:    deviceID,
			Fingerprint: testFingerprint,
			NotBefore:   time.Now().Add(-time.Hour),
			NotAfter:    time.Now().Add(time.Hour),
		}, true, nil
	}
}

func TestAuthorizeDevice(t *testing.T) {
	g := gateway.NewGateway(&gateway.Builder{Certificates: singleCertificate("dev-1")})

	decision := g.Authorize(context.Background(), gateway.AuthRequest{
		ClientID:    "dev-1",
		Fingerprint: testFingerprint,
		CommonName:  "dev-1",
	})
	assert.True(t, decision.Allow)
	assert.False(t, decision.IsSuperuser)
}

func TestAuthorizeDeviceDenials(t *testing.T) {
	g := gateway.NewGateway(&gateway.Builder{Certificates: singleCertificate("dev-1")})
	ctx := context.Background()

	cases := map[string]gateway.AuthRequest{
		"no fingerprint":       {ClientID: "dev-1", CommonName: "dev-1"},
		"no common name":       {ClientID: "dev-1", Fingerprint: testFingerprint},
		"common name mismatch": {ClientID: "dev-1", Fingerprint: testFingerprint, CommonName: "dev-2"},
		"unknown fingerprint":  {ClientID: "dev-1", Fingerprint: "00:11:22", CommonName: "dev-1"},
		"foreign certificate":  {ClientID: "dev-2", Fingerprint: testFingerprint, CommonName: "dev-2"},
	}
	for name, request := range cases {
		decision := g.Authorize(ctx, request)
		assert.False(t, decision.Allow, name)
	}
}

func TestAuthorizeDeviceExpiredCertificate(t *testing.T) {
	expired := lookupFunc(func(context.Context, string) (certificates.DeviceCertificate, bool, error) {
		return certificates.DeviceCertificate{
			DeviceID:  "dev-1",
			NotBefore: time.Now().Add(-2 * time.Hour),
			NotAfter:  time.Now().Add(-time.Hour),
		}, true, nil
	})
	g := gateway.NewGateway(&gateway.Builder{Certificates: expired})

	decision := g.Authorize(context.Background(), gateway.AuthRequest{
		ClientID: "dev-1", Fingerprint: testFingerprint, CommonName: "dev-1",
	})
	assert.False(t, decision.Allow)
}

func TestAuthorizeDeviceLookupFailure(t *testing.T) {
	failing := lookupFunc(func(context.Context, string) (certificates.DeviceCertificate, bool, error) {
		return certificates.DeviceCertificate{}, false, errors.New("database down")
	})
	g := gateway.NewGateway(&gateway.Builder{Certificates: failing})

	decision := g.Authorize(context.Background(), gateway.AuthRequest{
		ClientID: "dev-1", Fingerprint: testFingerprint, CommonName: "dev-1",
	})
	assert.False(t, decision.Allow)
}

func TestAuthorizePanicDenies(t *testing.T) {
	panicking := lookupFunc(func(context.Context, string) (certificates.DeviceCertificate, bool, error) {
		panic("boom")
	})
	g := gateway.NewGateway(&gateway.Builder{Certificates: panicking})

	decision := g.Authorize(context.Background(), gateway.AuthRequest{
		ClientID: "dev-1", Fingerprint: testFingerprint, CommonName: "dev-1",
	})
	assert.False(t, decision.Allow)
}

func backendToken(t *testing.T, secret string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "backend",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAuthorizeBackend(t *testing.T) {
	g := gateway.NewGateway(&gateway.Builder{
		Certificates:  singleCertificate("dev-1"),
		BackendSecret: "super-secret",
	})
	ctx := context.Background()

	decision := g.Authorize(ctx, gateway.AuthRequest{
		ClientID: "hub-1",
		Username: gateway.BackendUsername,
		Password: backendToken(t, "super-secret"),
	})
	assert.True(t, decision.Allow)
	assert.True(t, decision.IsSuperuser)

	decision = g.Authorize(ctx, gateway.AuthRequest{
		ClientID: "hub-1",
		Username: gateway.BackendUsername,
		Password: backendToken(t, "wrong-secret"),
	})
	assert.False(t, decision.Allow)

	decision = g.Authorize(ctx, gateway.AuthRequest{
		ClientID: "hub-1",
		Username: gateway.BackendUsername,
		Password: "not a token",
	})
	assert.False(t, decision.Allow)
}

func TestAuthorizeBackendUnconfigured(t *testing.T) {
	g := gateway.NewGateway(&gateway.Builder{Certificates: singleCertificate("dev-1")})

	decision := g.Authorize(context.Background(), gateway.AuthRequest{
		ClientID: "hub-1",
		Username: gateway.BackendUsername,
		Password: backendToken(t, "anything"),
	})
	assert.False(t, decision.Allow)
}

func hookRequest(t *testing.T, router *mux.Router, body []byte) (int, map[string]any) {
	request := httptest.NewRequest(http.MethodPost, "/mqtt/auth", bytes.NewReader(body))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	var response map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	return recorder.Code, response
}

func TestAuthHook(t *testing.T) {
	router := mux.NewRouter()
	gateway.NewAPI(&gateway.APIBuilder{
		Gateway: gateway.NewGateway(&gateway.Builder{Certificates: singleCertificate("dev-1")}),
		Router:  router,
	})

	body, _ := json.Marshal(gateway.AuthRequest{
		ClientID:    "dev-1",
		Fingerprint: testFingerprint,
		CommonName:  "dev-1",
	})
	code, response := hookRequest(t, router, body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "allow", response["result"])
	assert.Equal(t, false, response["is_superuser"])

	body, _ = json.Marshal(gateway.AuthRequest{ClientID: "dev-1"})
	code, response = hookRequest(t, router, body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "deny", response["result"])
}

func TestAuthHookMalformedBody(t *testing.T) {
	router := mux.NewRouter()
	gateway.NewAPI(&gateway.APIBuilder{
		Gateway: gateway.NewGateway(&gateway.Builder{Certificates: singleCertificate("dev-1")}),
		Router:  router,
	})

	request := httptest.NewRequest(http.MethodPost, "/mqtt/auth", strings.NewReader("{broken"))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `"deny"`)
}
