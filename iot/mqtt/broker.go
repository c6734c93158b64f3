package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"

	"github.com/verdant-tech/iothub/iot/certificates"
	"github.com/verdant-tech/iothub/iot/gateway"
)

// Broker is the embedded MQTT broker for devices and backend services.
type Broker struct {
	p *plugin
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Gateway authorizes connecting clients. This is mandatory.
	Gateway *gateway.Gateway
	// CACertPEM is the X.509 certificate of the certificate authority. This is mandatory.
	CACertPEM string
	// CertPEM is the broker's X.509 server certificate. This is mandatory.
	CertPEM string
	// KeyPEM is the broker's private key. This is mandatory.
	KeyPEM string
	// TLSAddress is the mutual-TLS listener for devices. Defaults to ":8883".
	TLSAddress string
	// BackendAddress is an optional plain listener for backend services,
	// which authenticate with a token instead of a certificate.
	BackendAddress string
}

type identity struct {
	commonName  string
	fingerprint string
}

// plugin is the plugin for GMQTT
type plugin struct {
	tlsln     net.Listener
	backendln net.Listener
	gateway   *gateway.Gateway

	mu         sync.RWMutex
	identities map[net.Conn]identity
	superusers map[string]bool

	service gmqtt.Server
}

// NewBroker returns a new broker. The broker will not
// actually run until you call Run()
func NewBroker(bb *Builder) *Broker {

	if bb.Gateway == nil {
		panic("Gateway is missing")
	}

	if len(bb.CACertPEM) == 0 {
		panic("ca-cert missing")
	}

	if len(bb.CertPEM) == 0 {
		panic("cert missing")
	}

	if len(bb.KeyPEM) == 0 {
		panic("key missing")
	}

	crt, err := tls.X509KeyPair([]byte(bb.CertPEM), []byte(bb.KeyPEM))
	if err != nil {
		panic(err)
	}

	caCertPool := x509.NewCertPool()
	ok := caCertPool.AppendCertsFromPEM([]byte(bb.CACertPEM))
	log.Println("certs OK = ", ok)

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{crt},
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}

	address := bb.TLSAddress
	if len(address) == 0 {
		address = ":8883"
	}
	tlsln, err := tls.Listen("tcp", address, tlsConfig)
	if err != nil {
		panic(err)
	}

	var backendln net.Listener
	if len(bb.BackendAddress) > 0 {
		backendln, err = net.Listen("tcp", bb.BackendAddress)
		if err != nil {
			panic(err)
		}
	}

	return &Broker{
		p: &plugin{
			tlsln:      tlsln,
			backendln:  backendln,
			gateway:    bb.Gateway,
			identities: make(map[net.Conn]identity),
			superusers: make(map[string]bool),
		},
	}
}

// Run is blocking and runs the server. It listens on syscall.SIGTERM and
// a gracefully shutdown.
func (b *Broker) Run() {

	options := []gmqtt.Options{
		gmqtt.WithTCPListener(b.p.tlsln),
		gmqtt.WithPlugin(b.p),
	}
	if b.p.backendln != nil {
		options = append(options, gmqtt.WithTCPListener(b.p.backendln))
	}
	s := gmqtt.NewServer(options...)
	s.Run()

	log.Println("broker started...")
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh
	s.Stop(context.Background())
	log.Println("broker stopped")
}

// PublishMessageQ1 publishes an MQTT messsage with quality level 1
func (b *Broker) PublishMessageQ1(topic string, payload []byte) {
	log.Printf("PublishMessageQ1 on %s (%d bytes)", topic, len(payload))
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	b.p.service.PublishService().Publish(msg)
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	log.Println("load iot hub broker")
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "iot hub broker" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnSubscribedWrapper: p.OnSubscribedWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
		OnCloseWrapper:      p.OnCloseWrapper,
	}
}

func (p *plugin) identityFromConnection(conn net.Conn) identity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.identities[conn]
}

// OnAcceptWrapper records the client certificate identity of mutual-TLS
// connections. Plain connections carry no identity; the gateway only
// admits those on the token path.
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if ok {
			err := tlsConn.Handshake()
			if err != nil {
				return false
			}
			state := tlsConn.ConnectionState()
			if len(state.VerifiedChains) == 0 || len(state.VerifiedChains[0]) == 0 {
				return false
			}
			cert := state.VerifiedChains[0][0]
			id := identity{
				commonName:  cert.Subject.CommonName,
				fingerprint: certificates.Fingerprint(cert.Raw),
			}
			p.mu.Lock()
			p.identities[conn] = id
			p.mu.Unlock()
			log.Println("accept", id.commonName)
		}
		return accept(ctx, conn)
	}
}

// OnConnectWrapper asks the gateway whether the client may connect
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		options := client.OptionsReader()
		id := p.identityFromConnection(client.Connection())

		decision := p.gateway.Authorize(ctx, gateway.AuthRequest{
			ClientID:    options.ClientID(),
			Username:    options.Username(),
			Password:    options.Password(),
			Fingerprint: id.fingerprint,
			CommonName:  id.commonName,
		})
		if !decision.Allow {
			log.Println("connect denied,", options.ClientID(), "not authorized:", decision.Reason)
			return packets.CodeNotAuthorized
		}

		p.mu.Lock()
		p.superusers[options.ClientID()] = decision.IsSuperuser
		p.mu.Unlock()
		log.Println("connect", options.ClientID())
		return connect(ctx, client)
	}
}

func (p *plugin) isSuperuser(clientID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.superusers[clientID]
}

// deviceOwnsTopic reports whether a topic lies in the device's own
// scope: users/{user_id}/devices/{device_id}/... with a matching
// device id. The user level may be a single-level wildcard, the device
// level may not.
func deviceOwnsTopic(deviceID, topic string) bool {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 {
		return false
	}
	return parts[0] == "users" &&
		parts[1] != "#" &&
		parts[2] == "devices" &&
		parts[3] == deviceID
}

// OnSubscribeWrapper enforces topic policy
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		clientID := client.OptionsReader().ClientID()
		if p.isSuperuser(clientID) {
			return subscribe(ctx, client, topic)
		}
		if !deviceOwnsTopic(clientID, topic.Name) {
			log.Println("OnSubscribe", clientID, topic.Name, "denied!")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnSubscribedWrapper logs the subscription
func (p *plugin) OnSubscribedWrapper(subscribed gmqtt.OnSubscribed) gmqtt.OnSubscribed {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) {
		log.Println("OnSubscribed", client.OptionsReader().ClientID(), topic.Name)
		subscribed(ctx, client, topic)
	}
}

// OnMsgArrivedWrapper keeps devices inside their own topic scope
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		clientID := client.OptionsReader().ClientID()
		topic := msg.Topic()
		if !p.isSuperuser(clientID) && !deviceOwnsTopic(clientID, topic) {
			log.Println("OnMsgArrived", clientID, topic, "denied!")
			return false
		}
		return arrived(ctx, client, msg)
	}
}

// OnCloseWrapper forgets the connection's identity
func (p *plugin) OnCloseWrapper(onClose gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		p.mu.Lock()
		delete(p.identities, client.Connection())
		delete(p.superusers, client.OptionsReader().ClientID())
		p.mu.Unlock()
		onClose(ctx, client, err)
	}
}
