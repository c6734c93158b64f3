/*Package ca owns the root certificate authority for device identities

The package maintains exactly one CA record per deployment: a
self-signed root certificate and its private key, both as PEM blobs.
The record is created lazily on first use and then persisted through a
Persistence backend, either to the filesystem or to an S3 bucket.
While a valid record exists it is never regenerated; every device
certificate the hub issues is signed with this key.
*/
package ca
