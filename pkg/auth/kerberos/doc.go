// Package kerberos implements the delegation subsystem of the session
// manager.
//
// The gateway receives SPNEGO tokens from clients during authentication.
// When a client grants credential delegation, the token's AP-REQ carries a
// forwarded TGT inside the GSS-API checksum field (RFC 4121). This package
// validates the AP-REQ against the gateway's keytab, extracts the forwarded
// credentials, materializes them as an MIT-format credential cache file,
// and later uses that cache to obtain service tickets for named backend
// servers on the user's behalf.
//
// The Provider holds the gateway's own Kerberos state (keytab, krb5.conf,
// service principal) and is shared by all sessions. Per-session delegated
// state lives in the session manager, keyed by session identifier.
package kerberos
