package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/verdant-tech/iothub/core/logger"
	"github.com/verdant-tech/iothub/iot/rpc"
	"github.com/verdant-tech/iothub/iot/session"
	"github.com/verdant-tech/iothub/iot/simulator"
)

// Service holds the configuration for this service
type Service struct {
	HubURL    string `env:"HUB_URL,default=http://localhost:3000" description:"the REST API of the hub"`
	BrokerURL string `env:"BROKER_URL,default=ssl://localhost:8883" description:"the broker address"`
	UserID    string `env:"USER_ID,required" description:"the owning user of the device"`
	DeviceID  string `env:"DEVICE_ID,required" description:"the device identity"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(logrus.InfoLevel)
	rlog := logger.Default().WithField("device_id", service.DeviceID)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}

	certPEM, caPEM, err := enroll(service.HubURL, service.DeviceID, key)
	if err != nil {
		panic(err)
	}
	rlog.Info("device certificate obtained")

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		panic(err)
	}
	keyBuffer := new(bytes.Buffer)
	pem.Encode(keyBuffer, &pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	deviceSession := session.NewSession(&session.Builder{
		BrokerURL: service.BrokerURL,
		ClientID:  service.DeviceID,
		CertPEM:   certPEM,
		KeyPEM:    keyBuffer.String(),
		CACertPEM: caPEM,
		Will: &session.Will{
			Topic:   rpc.StatusTopic(service.UserID, service.DeviceID),
			Payload: simulator.MarshalStatus(simulator.StatusOffline),
			QoS:     1,
			Retain:  true,
		},
	})

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelConnect()
	if err := deviceSession.Connect(connectCtx); err != nil {
		panic(err)
	}
	defer deviceSession.Disconnect()

	runner := simulator.NewRunner(&simulator.RunnerBuilder{
		Transport: deviceSession,
		Device:    simulator.NewDevice(),
		UserID:    service.UserID,
		DeviceID:  service.DeviceID,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		signalCh := make(chan os.Signal, 1)
		signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
		<-signalCh
		cancel()
	}()

	if err := runner.Run(ctx); err != nil {
		rlog.WithError(err).Error("simulator stopped")
		os.Exit(1)
	}
}

// enroll submits a CSR to the hub and returns the signed client
// certificate together with the CA certificate.
func enroll(hubURL, deviceID string, key *rsa.PrivateKey) (certPEM, caPEM string, err error) {
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: deviceID},
	}, key)
	if err != nil {
		return "", "", err
	}
	csrBuffer := new(bytes.Buffer)
	pem.Encode(csrBuffer, &pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})

	body, _ := json.Marshal(map[string]string{"csr": csrBuffer.String()})
	response, err := http.Post(hubURL+"/devices/"+deviceID+"/certificates",
		"application/json", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	defer response.Body.Close()

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return "", "", err
	}
	if response.StatusCode != http.StatusCreated {
		return "", "", fmt.Errorf("enrollment failed with status %d: %s", response.StatusCode, string(data))
	}

	var signed struct {
		ClientCert string `json:"client_cert"`
		CACert     string `json:"ca_cert"`
	}
	if err := json.Unmarshal(data, &signed); err != nil {
		return "", "", err
	}
	return signed.ClientCert, signed.CACert, nil
}
