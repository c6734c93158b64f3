// Package events publishes certificate lifecycle notifications to
// Kafka. Publishing is fire-and-forget; a broker outage must never
// block or fail certificate issuance.
package events

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/verdant-tech/iothub/core/logger"
	"github.com/verdant-tech/iothub/iot/certificates"
)

// Topic carries all certificate lifecycle events.
const Topic = "certificate.events.v1"

// Event types on the wire.
const (
	TypeCertificateCreated = "certificate.created"
	TypeCertificateRevoked = "certificate.revoked"
)

type envelope struct {
	EventID   string    `json:"eventId"`
	EventType string    `json:"eventType"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

type createdPayload struct {
	CertificateID string    `json:"certificateId"`
	DeviceID      string    `json:"deviceId"`
	SerialNumber  string    `json:"serialNumber"`
	Fingerprint   string    `json:"fingerprint"`
	CommonName    string    `json:"commonName"`
	ValidFrom     time.Time `json:"validFrom"`
	ValidTo       time.Time `json:"validTo"`
	CreatedAt     time.Time `json:"createdAt"`
}

type revokedPayload struct {
	CertificateID   string    `json:"certificateId"`
	DeviceID        string    `json:"deviceId"`
	SerialNumber    string    `json:"serialNumber"`
	Reason          string    `json:"reason"`
	RevokedAt       time.Time `json:"revokedAt"`
	PreviousValidTo time.Time `json:"previousValidTo"`
}

// KafkaPublisher implements certificates.Events on a Kafka topic.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// Builder is a builder helper for the KafkaPublisher
type Builder struct {
	// Brokers is the list of broker addresses. This is mandatory.
	Brokers []string
}

// NewKafkaPublisher realizes the publisher.
func NewKafkaPublisher(b *Builder) *KafkaPublisher {
	if len(b.Brokers) == 0 {
		panic("Brokers are missing")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(b.Brokers...),
			Topic:        Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					logger.Default().WithError(err).Error("cannot publish certificate event")
				}
			},
		},
	}
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// CertificateCreated implements certificates.Events
func (p *KafkaPublisher) CertificateCreated(ctx context.Context, cert certificates.DeviceCertificate) {
	p.publish(ctx, cert.DeviceID, TypeCertificateCreated, createdPayload{
		CertificateID: cert.ID.String(),
		DeviceID:      cert.DeviceID,
		SerialNumber:  cert.SerialNumber,
		Fingerprint:   cert.Fingerprint,
		CommonName:    cert.DeviceID,
		ValidFrom:     cert.NotBefore,
		ValidTo:       cert.NotAfter,
		CreatedAt:     time.Now(),
	})
}

// CertificateRevoked implements certificates.Events
func (p *KafkaPublisher) CertificateRevoked(ctx context.Context, cert certificates.DeviceCertificate) {
	revokedAt := time.Now()
	if cert.RevokedAt != nil {
		revokedAt = *cert.RevokedAt
	}
	p.publish(ctx, cert.DeviceID, TypeCertificateRevoked, revokedPayload{
		CertificateID:   cert.ID.String(),
		DeviceID:        cert.DeviceID,
		SerialNumber:    cert.SerialNumber,
		Reason:          "unspecified",
		RevokedAt:       revokedAt,
		PreviousValidTo: cert.NotAfter,
	})
}

func (p *KafkaPublisher) publish(ctx context.Context, key, eventType string, payload any) {
	body, err := json.Marshal(envelope{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
	if err != nil {
		logger.FromContext(ctx).WithError(err).Error("cannot marshal certificate event")
		return
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: body,
	})
	if err != nil {
		logger.FromContext(ctx).WithError(err).Error("cannot publish certificate event")
	}
}
