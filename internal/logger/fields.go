package logger

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so that session
// lifecycle events can be correlated in log aggregation queries.
const (
	// Session lifecycle
	KeySessionID = "session_id" // session identifier (opaque)
	KeyKey       = "key"        // session store key name
	KeyBackend   = "backend"    // store backend: memory, redis
	KeyAge       = "age"        // session age
	KeyIdle      = "idle"       // idle duration at reap decision

	// Kerberos delegation
	KeyPrincipal = "principal" // Kerberos principal (user@REALM)
	KeyRealm     = "realm"     // Kerberos realm
	KeyServer    = "server"    // target backend service principal
	KeyCcache    = "ccache"    // credential cache file path
	KeyKeytab    = "keytab"    // keytab file path

	// Request handling
	KeyClientIP = "client_ip" // client IP address
	KeyMethod   = "method"    // HTTP method
	KeyPath     = "path"      // HTTP path
	KeyStatus   = "status"    // HTTP status code

	// Generic
	KeyError    = "error"       // error value
	KeyDuration = "duration_ms" // operation duration in milliseconds
	KeyCount    = "count"       // generic count
)
