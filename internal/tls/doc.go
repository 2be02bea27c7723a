// Package tls implements the mTLS transport layer: per-call trust bundles,
// the client connect-and-send pipeline, and the server-side accept loop with
// TLS termination and concurrent connection handling.
package tls
