package certificates

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/verdant-tech/iothub/core/logger"
)

// Devices reports whether a device is known to the backend. The device
// CRUD itself lives elsewhere; this is the boundary the issuance API
// needs.
type Devices interface {
	Exists(ctx context.Context, deviceID string) (bool, error)
}

// API is the RESTful interface for issuing and revoking device certificates
type API struct {
	service *Service
	devices Devices
}

// Builder is a builder helper for the API
type Builder struct {
	// Service is the certificate issuance service. This is mandatory.
	Service *Service
	// Devices is the device directory. This is mandatory.
	Devices Devices
	// Router is a mux router. This is mandatory.
	Router *mux.Router
}

// NewAPI realizes the certificate service. It adds the certificate
// routes to the router.
func NewAPI(b *Builder) *API {

	if b.Service == nil {
		panic("Service is missing")
	}

	if b.Devices == nil {
		panic("Devices is missing")
	}

	if b.Router == nil {
		panic("Router is missing")
	}

	a := &API{service: b.Service, devices: b.Devices}
	a.handleRoutes(b.Router)
	return a
}

type signRequest struct {
	CSR string `json:"csr"`
}

type signResponse struct {
	DeviceID     string    `json:"device_id"`
	ClientCert   string    `json:"client_cert"`
	CACert       string    `json:"ca_cert"`
	Fingerprint  string    `json:"fingerprint"`
	SerialNumber string    `json:"serial_number"`
	ValidUntil   time.Time `json:"valid_until"`
}

func (a *API) handleRoutes(router *mux.Router) {
	log.Println("certificates: handle route /devices/{device_id}/certificates POST,DELETE")
	log.Println("certificates: handle route /certificates/ca GET")

	router.HandleFunc("/devices/{device_id}/certificates",
		func(w http.ResponseWriter, r *http.Request) {
			params := mux.Vars(r)
			deviceID := params["device_id"]
			rlog := logger.FromContext(r.Context())

			exists, err := a.devices.Exists(r.Context(), deviceID)
			if err != nil {
				rlog.WithError(err).Errorf("Error 4211")
				http.Error(w, "Error 4211", http.StatusInternalServerError)
				return
			}
			if !exists {
				http.Error(w, "device not found", http.StatusNotFound)
				return
			}

			var body signRequest
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.CSR) == 0 {
				http.Error(w, "csr missing", http.StatusBadRequest)
				return
			}

			cert, err := a.service.IssueCertificate(r.Context(), deviceID, body.CSR)
			if errors.Is(err, ErrAlreadyIssued) {
				http.Error(w, "certificate already exists", http.StatusConflict)
				return
			}
			if errors.Is(err, ErrInvalidCSR) {
				http.Error(w, "invalid CSR", http.StatusBadRequest)
				return
			}
			if err != nil {
				rlog.WithError(err).Errorf("Error 4212")
				http.Error(w, "Error 4212", http.StatusInternalServerError)
				return
			}

			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(signResponse{
				DeviceID:     cert.DeviceID,
				ClientCert:   cert.ClientCertificatePEM,
				CACert:       cert.CACertificatePEM,
				Fingerprint:  cert.Fingerprint,
				SerialNumber: cert.SerialNumber,
				ValidUntil:   cert.NotAfter,
			})
		}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/devices/{device_id}/certificates",
		func(w http.ResponseWriter, r *http.Request) {
			params := mux.Vars(r)
			deviceID := params["device_id"]

			err := a.service.RevokeCertificate(r.Context(), deviceID)
			if errors.Is(err, ErrNotFound) {
				http.Error(w, "certificate not found", http.StatusNotFound)
				return
			}
			if err != nil {
				logger.FromContext(r.Context()).WithError(err).Errorf("Error 4213")
				http.Error(w, "Error 4213", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}).Methods(http.MethodOptions, http.MethodDelete)

	router.HandleFunc("/certificates/ca",
		func(w http.ResponseWriter, r *http.Request) {
			record, err := a.service.EnsureCA()
			if err != nil {
				logger.FromContext(r.Context()).WithError(err).Errorf("Error 4214")
				http.Error(w, "Error 4214", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/x-pem-file")
			w.Write([]byte(record.CertificatePEM))
		}).Methods(http.MethodOptions, http.MethodGet)
}
