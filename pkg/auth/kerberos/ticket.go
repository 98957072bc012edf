package kerberos

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/spnego"

	"github.com/dturbay/secmgr/internal/logger"
)

// Ticket issuance errors. All are soft from the caller's perspective.
var (
	ErrIssueTimeout = errors.New("kerberos: ticket issuance timed out")
	ErrTGTExpired   = errors.New("kerberos: delegated TGT has expired")
	ErrDestroyed    = errors.New("kerberos: delegation context destroyed")
)

// cachedToken is a previously issued service token with its expiry.
type cachedToken struct {
	b64     string
	expires time.Time
}

// Context is the per-session Kerberos delegation state: the delegated
// principal, its on-disk credential cache, and a small cache of already
// issued backend service tokens.
//
// A Context is created by a successful identity store and destroyed exactly
// once when its session is deleted (explicitly or by the reaper). The
// credential cache file is owned exclusively by the Context.
//
// Thread Safety: All methods are safe for concurrent use. Token issuance
// holds only this Context's lock; other sessions are never blocked.
type Context struct {
	provider   *Provider
	principal  string
	ccachePath string
	tgtEnd     time.Time

	mu        sync.Mutex
	tokens    map[string]cachedToken
	destroyed bool
}

// NewContext materializes a delegation as a session-owned Context: it
// writes the credential cache file under ccacheDir and records the
// delegated principal.
//
// The file name is a fresh UUID, not the session identifier: session ids
// are secrets, and file names are visible to anyone who can list the
// directory even when the file mode is 0600.
func NewContext(provider *Provider, sessionID string, d *Delegation, ccacheDir string) (*Context, error) {
	path := filepath.Join(ccacheDir, "krb5cc_secmgr_"+uuid.NewString())

	if err := WriteCCache(path, d); err != nil {
		return nil, err
	}

	logger.Debug("Delegation context created",
		logger.KeySessionID, sessionID,
		logger.KeyPrincipal, d.Principal,
		logger.KeyCcache, path,
	)

	return &Context{
		provider:   provider,
		principal:  d.Principal,
		ccachePath: path,
		tgtEnd:     d.Info.EndTime,
		tokens:     make(map[string]cachedToken),
	}, nil
}

// Principal returns the delegated identity in "user@REALM" form.
func (c *Context) Principal() string {
	return c.principal
}

// CcachePath returns the path of the credential cache file.
func (c *Context) CcachePath() string {
	return c.ccachePath
}

// TokenForServer returns a base64-encoded GSS-API token carrying a service
// ticket for the named backend server, issued on behalf of the delegated
// principal.
//
// A still-valid token from a previous call for the same server is reused.
// Issuance runs against the ticket authority with an internal timeout;
// on timeout or failure the cache and credential file are left untouched.
func (c *Context) TokenForServer(ctx context.Context, server string, timeout, cacheTTL time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return "", ErrDestroyed
	}

	if tok, ok := c.tokens[server]; ok && time.Now().Before(tok.expires) {
		return tok.b64, nil
	}

	if !c.tgtEnd.IsZero() && time.Now().After(c.tgtEnd) {
		return "", ErrTGTExpired
	}

	b64, err := c.issueToken(ctx, server, timeout)
	if err != nil {
		return "", err
	}

	expires := time.Now().Add(cacheTTL)
	if !c.tgtEnd.IsZero() && c.tgtEnd.Before(expires) {
		expires = c.tgtEnd
	}
	c.tokens[server] = cachedToken{b64: b64, expires: expires}

	logger.Debug("Issued backend service token",
		logger.KeyPrincipal, c.principal,
		logger.KeyServer, server,
	)

	return b64, nil
}

// issueToken requests a service ticket from the ticket authority and wraps
// it as a GSS-API AP-REQ token. The TGS exchange is network I/O with no
// native deadline, so it runs in a goroutine raced against the timeout; an
// abandoned exchange finishes (or fails) in the background without holding
// any lock the caller cares about.
func (c *Context) issueToken(ctx context.Context, server string, timeout time.Duration) (string, error) {
	type result struct {
		b64 string
		err error
	}
	ch := make(chan result, 1)

	go func() {
		b64, err := c.exchangeToken(server)
		ch <- result{b64: b64, err: err}
	}()

	select {
	case r := <-ch:
		return r.b64, r.err
	case <-time.After(timeout):
		return "", fmt.Errorf("%w: no response from ticket authority within %s", ErrIssueTimeout, timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// exchangeToken performs the actual TGS exchange using the session's
// credential cache.
func (c *Context) exchangeToken(server string) (string, error) {
	cc, err := credentials.LoadCCache(c.ccachePath)
	if err != nil {
		return "", fmt.Errorf("load ccache %s: %w", c.ccachePath, err)
	}

	cl, err := client.NewFromCCache(cc, c.provider.Krb5Config(), client.DisablePAFXFAST(true))
	if err != nil {
		return "", fmt.Errorf("client from ccache: %w", err)
	}
	defer cl.Destroy()

	tkt, key, err := cl.GetServiceTicket(server)
	if err != nil {
		return "", fmt.Errorf("get service ticket for %s: %w", server, err)
	}

	tok, err := spnego.NewKRB5TokenAPREQ(cl, tkt, key,
		[]int{gssapi.ContextFlagInteg, gssapi.ContextFlagConf}, []int{})
	if err != nil {
		return "", fmt.Errorf("build GSS token: %w", err)
	}

	raw, err := tok.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal GSS token: %w", err)
	}

	return base64.StdEncoding.EncodeToString(raw), nil
}

// Destroy removes the credential cache file and invalidates the Context.
// Subsequent calls are no-ops; the file is deleted exactly once.
func (c *Context) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return nil
	}
	c.destroyed = true
	c.tokens = nil

	if err := RemoveCCache(c.ccachePath); err != nil {
		logger.Warn("Credential cache cleanup failed",
			logger.KeyCcache, c.ccachePath,
			logger.KeyError, err,
		)
		return err
	}

	return nil
}
