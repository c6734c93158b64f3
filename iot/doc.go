/*Package iot provides core IoT functionality

It contains the certificate authority and certificate issuance services
which give devices a cryptographic identity, the validation gateway and
MQTT broker which authenticate those identities at the transport layer,
and the RPC correlator and device simulator which exchange typed
commands over the broker.

The RPC layer can be used with different MQTT brokers. It only needs a
message publisher interface to publish messages to the device. The
embedded broker does satisfy this interface, hence broker and RPC layer
work together well.
*/
package iot
