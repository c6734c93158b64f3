package main

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/verdant-tech/iothub/core/csql"
	"github.com/verdant-tech/iothub/core/logger"
	"github.com/verdant-tech/iothub/iot/ca"
	"github.com/verdant-tech/iothub/iot/certificates"
	"github.com/verdant-tech/iothub/iot/events"
	"github.com/verdant-tech/iothub/iot/gateway"
	"github.com/verdant-tech/iothub/iot/mqtt"
	"github.com/verdant-tech/iothub/iot/rpc"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	Schema           string `env:"SCHEMA,default=iothub" description:"the database schema"`
	Port             string `env:"PORT,default=:3000" description:"the listen address of the REST API"`
	BrokerTLS        string `env:"BROKER_TLS,default=:8883" description:"the mutual-TLS listener for devices"`
	BrokerBackend    string `env:"BROKER_BACKEND,optional" description:"optional plain listener for backend services"`
	BrokerHosts      string `env:"BROKER_HOSTS,default=localhost" description:"comma separated host names for the broker's server certificate"`
	BackendSecret    string `env:"BACKEND_SECRET,optional" description:"HMAC secret for backend service tokens"`
	KafkaBrokers     string `env:"KAFKA_BROKERS,optional" description:"comma separated Kafka brokers for certificate events"`
	CACertFile       string `env:"CA_CERT_FILE,default=ca-cert.pem" description:"file path of the CA certificate"`
	CAKeyFile        string `env:"CA_KEY_FILE,default=ca-key.pem" description:"file path of the CA private key"`
	CAS3             ca.S3Configuration
	SimulatedDevices string `env:"SIMULATED_DEVICES,optional" description:"comma separated device ids to pre-register"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(logrus.InfoLevel)

	db := csql.OpenWithSchema(service.Postgres, service.Schema)
	defer db.Close()

	var persistence ca.Persistence
	if service.CAS3.AWSBucketName != "" {
		s3Store, err := ca.NewS3Store(service.CAS3)
		if err != nil {
			panic(err)
		}
		persistence = s3Store
	} else {
		persistence = ca.NewFileStore(service.CACertFile, service.CAKeyFile)
	}
	caStore := ca.NewStore(persistence)
	caRecord, err := caStore.Ensure()
	if err != nil {
		panic(err)
	}

	certStore := certificates.MustNewSQLStore(db)
	devices := certificates.MustNewSQLDevices(db)
	for _, deviceID := range splitList(service.SimulatedDevices) {
		if err := devices.Register(context.Background(), deviceID, ""); err != nil {
			panic(err)
		}
	}

	var certEvents certificates.Events
	if service.KafkaBrokers != "" {
		publisher := events.NewKafkaPublisher(&events.Builder{
			Brokers: splitList(service.KafkaBrokers),
		})
		defer publisher.Close()
		certEvents = publisher
	}

	certService := certificates.NewService(caStore, certStore, certEvents)

	router := mux.NewRouter()
	logger.AddRequestID(router)

	certificates.NewAPI(&certificates.Builder{
		Service: certService,
		Devices: devices,
		Router:  router,
	})

	authGateway := gateway.NewGateway(&gateway.Builder{
		Certificates:  certStore,
		BackendSecret: service.BackendSecret,
	})
	gateway.NewAPI(&gateway.APIBuilder{
		Gateway: authGateway,
		Router:  router,
	})

	serverCert, serverKey, err := caStore.ServerCertificate(splitList(service.BrokerHosts)...)
	if err != nil {
		panic(err)
	}

	broker := mqtt.NewBroker(&mqtt.Builder{
		Gateway:        authGateway,
		CACertPEM:      caRecord.CertificatePEM,
		CertPEM:        serverCert,
		KeyPEM:         serverKey,
		TLSAddress:     service.BrokerTLS,
		BackendAddress: service.BrokerBackend,
	})

	rpc.NewAPI(&rpc.APIBuilder{
		Publisher: broker,
		Router:    router,
	})

	log.Println("listen on port ", service.Port)
	go http.ListenAndServe(service.Port, handlers.CompressHandler(router))

	broker.Run()
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if len(item) > 0 {
			items = append(items, item)
		}
	}
	return items
}
