// Package session implements the gateway's server-side session store.
//
// A session is an unguessable identifier mapping to a bag of key/value
// pairs (string or binary) plus optional Kerberos delegation state. Records
// are created explicitly, touched on every read or write, and reaped after
// a configurable idle period.
//
// Storage is pluggable behind the Backend interface: an in-process map for
// single-node deployments, or Redis for a gateway fleet sharing session
// state. The backend is selected once from configuration at process start.
package session
