// Package gateway decides whether an MQTT client may connect to the
// broker. Devices authenticate with their client certificate, backend
// services with a signed token. Every decision path fails closed.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/verdant-tech/iothub/core/logger"
	"github.com/verdant-tech/iothub/iot/certificates"
)

// BackendUsername is the username backend services connect with. The
// password carries the token.
const BackendUsername = "jwt"

// CertificateLookup resolves the active certificate for a fingerprint.
type CertificateLookup interface {
	ActiveByFingerprint(ctx context.Context, fingerprint string) (certificates.DeviceCertificate, bool, error)
}

// AuthRequest carries what the broker knows about a connecting client.
type AuthRequest struct {
	ClientID    string `json:"clientid"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	Fingerprint string `json:"cert_fingerprint"`
	CommonName  string `json:"cert_common_name"`
}

// Decision is the authorization verdict for a connection attempt.
type Decision struct {
	Allow       bool
	IsSuperuser bool
	Reason      string
}

// Gateway authorizes MQTT connections.
type Gateway struct {
	certificates  CertificateLookup
	backendSecret []byte
	now           func() time.Time
}

// Builder is a builder helper for the Gateway
type Builder struct {
	// Certificates resolves device certificates by fingerprint. This is mandatory.
	Certificates CertificateLookup
	// BackendSecret verifies tokens of backend services. Optional; with
	// an empty secret the token path always denies.
	BackendSecret string
}

// NewGateway realizes the gateway.
func NewGateway(b *Builder) *Gateway {
	if b.Certificates == nil {
		panic("Certificates is missing")
	}
	return &Gateway{
		certificates:  b.Certificates,
		backendSecret: []byte(b.BackendSecret),
		now:           time.Now,
	}
}

// Authorize decides a connection attempt. Any panic or lookup error
// denies the connection; the broker never gets an allow by accident.
func (g *Gateway) Authorize(ctx context.Context, req AuthRequest) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).Errorf("authorization panic: %v", r)
			decision = Decision{Reason: "internal error"}
		}
	}()

	if req.Username == BackendUsername {
		return g.authorizeBackend(ctx, req)
	}
	return g.authorizeDevice(ctx, req)
}

func (g *Gateway) authorizeBackend(ctx context.Context, req AuthRequest) Decision {
	if len(g.backendSecret) == 0 {
		return Decision{Reason: "backend access not configured"}
	}
	token, err := jwt.Parse(req.Password, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return g.backendSecret, nil
	})
	if err != nil || !token.Valid {
		logger.FromContext(ctx).WithField("client_id", req.ClientID).Info("denied backend client: invalid token")
		return Decision{Reason: "invalid token"}
	}
	return Decision{Allow: true, IsSuperuser: true}
}

func (g *Gateway) authorizeDevice(ctx context.Context, req AuthRequest) Decision {
	rlog := logger.FromContext(ctx).WithField("client_id", req.ClientID)

	if req.Fingerprint == "" {
		rlog.Info("denied device: no certificate fingerprint")
		return Decision{Reason: "no certificate"}
	}
	if req.CommonName == "" || req.CommonName != req.ClientID {
		rlog.Info("denied device: common name does not match client id")
		return Decision{Reason: "identity mismatch"}
	}

	cert, ok, err := g.certificates.ActiveByFingerprint(ctx, req.Fingerprint)
	if err != nil {
		rlog.WithError(err).Error("denied device: certificate lookup failed")
		return Decision{Reason: "lookup failed"}
	}
	if !ok {
		rlog.Info("denied device: unknown or revoked certificate")
		return Decision{Reason: "unknown certificate"}
	}
	if cert.DeviceID != req.ClientID {
		rlog.Info("denied device: certificate belongs to ", cert.DeviceID)
		return Decision{Reason: "identity mismatch"}
	}
	now := g.now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		rlog.Info("denied device: certificate outside validity window")
		return Decision{Reason: "certificate expired"}
	}
	return Decision{Allow: true}
}
