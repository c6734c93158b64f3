/*Package certificates implements the device certificate issuance service

A device proves possession of a key pair by submitting a certificate
signing request (CSR). The service signs the CSR with the deployment's
CA, records the issued certificate together with its SHA-256
fingerprint, and hands the signed leaf back to the device. The
fingerprint doubles as the credential the device presents to the MQTT
broker, where the validation gateway checks it against the issued,
non-revoked certificates.

A device can hold at most one active certificate. Renewal is modeled
as revoke-old plus issue-new; there is no in-place update.

The package provides the following REST routes:
	POST   /devices/{device_id}/certificates
	DELETE /devices/{device_id}/certificates
	GET    /certificates/ca
*/
package certificates
