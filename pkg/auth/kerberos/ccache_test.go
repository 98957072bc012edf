package kerberos

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/client"
	krb5config "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/iana/nametype"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"
)

// ============================================================================
// Test helpers
// ============================================================================

// testDelegation builds a synthetic delegation for a user with a forwarded
// TGT valid for the given duration.
func testDelegation(t *testing.T, validity time.Duration) *Delegation {
	t.Helper()

	now := time.Now().Truncate(time.Second)
	clientName := types.PrincipalName{
		NameType:   nametype.KRB_NT_PRINCIPAL,
		NameString: []string{"alice"},
	}

	tkt := messages.Ticket{
		TktVNO: 5,
		Realm:  "TEST.LOCAL",
		SName: types.PrincipalName{
			NameType:   nametype.KRB_NT_SRV_INST,
			NameString: []string{"krbtgt", "TEST.LOCAL"},
		},
		EncPart: types.EncryptedData{
			EType:  18,
			KVNO:   1,
			Cipher: []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
		},
	}

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	return &Delegation{
		Principal:   "alice@TEST.LOCAL",
		ClientName:  clientName,
		ClientRealm: "TEST.LOCAL",
		Ticket:      tkt,
		Info: messages.KrbCredInfo{
			Key: types.EncryptionKey{
				KeyType:  18,
				KeyValue: key,
			},
			PRealm:    "TEST.LOCAL",
			PName:     clientName,
			Flags:     asn1.BitString{Bytes: []byte{0x50, 0xe0, 0x00, 0x00}, BitLength: 32},
			AuthTime:  now,
			StartTime: now,
			EndTime:   now.Add(validity),
			RenewTill: now.Add(validity * 2),
			SRealm:    "TEST.LOCAL",
			SName: types.PrincipalName{
				NameType:   nametype.KRB_NT_SRV_INST,
				NameString: []string{"krbtgt", "TEST.LOCAL"},
			},
		},
	}
}

// ============================================================================
// WriteCCache tests
// ============================================================================

func TestWriteCCache_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "krb5cc_test")
	d := testDelegation(t, 8*time.Hour)

	if err := WriteCCache(path, d); err != nil {
		t.Fatalf("WriteCCache failed: %v", err)
	}

	cc, err := credentials.LoadCCache(path)
	if err != nil {
		t.Fatalf("LoadCCache failed: %v", err)
	}

	if cc.Version != 4 {
		t.Fatalf("expected ccache version 4, got %d", cc.Version)
	}
	if cc.DefaultPrincipal.Realm != "TEST.LOCAL" {
		t.Fatalf("expected default realm TEST.LOCAL, got %s", cc.DefaultPrincipal.Realm)
	}
	if got := cc.DefaultPrincipal.PrincipalName.PrincipalNameString(); got != "alice" {
		t.Fatalf("expected default principal alice, got %s", got)
	}
	if len(cc.GetEntries()) != 1 {
		t.Fatalf("expected 1 credential, got %d", len(cc.GetEntries()))
	}

	tgtSPN := types.PrincipalName{
		NameType:   nametype.KRB_NT_SRV_INST,
		NameString: []string{"krbtgt", "TEST.LOCAL"},
	}
	cred, ok := cc.GetEntry(tgtSPN)
	if !ok {
		t.Fatal("TGT entry not found in ccache")
	}
	if cred.Key.KeyType != 18 {
		t.Fatalf("expected key type 18, got %d", cred.Key.KeyType)
	}
	if len(cred.Key.KeyValue) != 32 {
		t.Fatalf("expected 32-byte key, got %d bytes", len(cred.Key.KeyValue))
	}
	if cred.EndTime.Unix() != d.Info.EndTime.Unix() {
		t.Fatalf("expected end time %v, got %v", d.Info.EndTime, cred.EndTime)
	}

	// The stored ticket must unmarshal back to a well-formed Ticket.
	var tkt messages.Ticket
	if err := tkt.Unmarshal(cred.Ticket); err != nil {
		t.Fatalf("unmarshal stored ticket: %v", err)
	}
	if tkt.Realm != "TEST.LOCAL" {
		t.Fatalf("expected ticket realm TEST.LOCAL, got %s", tkt.Realm)
	}
}

func TestWriteCCache_UsableByClient(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "krb5cc_test")
	d := testDelegation(t, 8*time.Hour)

	if err := WriteCCache(path, d); err != nil {
		t.Fatalf("WriteCCache failed: %v", err)
	}

	cc, err := credentials.LoadCCache(path)
	if err != nil {
		t.Fatalf("LoadCCache failed: %v", err)
	}

	cfg, err := krb5config.NewFromString("[libdefaults]\ndefault_realm = TEST.LOCAL\n")
	if err != nil {
		t.Fatalf("krb5 config: %v", err)
	}

	// A krb5 client must be constructible from the cache, which requires
	// finding and unmarshalling the TGT entry.
	if _, err := client.NewFromCCache(cc, cfg, client.DisablePAFXFAST(true)); err != nil {
		t.Fatalf("client from ccache: %v", err)
	}
}

func TestWriteCCache_FilePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "krb5cc_test")

	if err := WriteCCache(path, testDelegation(t, time.Hour)); err != nil {
		t.Fatalf("WriteCCache failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat ccache: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected mode 0600, got %o", perm)
	}
}

func TestWriteCCache_NilDelegation(t *testing.T) {
	if err := WriteCCache(filepath.Join(t.TempDir(), "cc"), nil); err == nil {
		t.Fatal("expected error for nil delegation")
	}
}

func TestWriteCCache_MissingSessionKey(t *testing.T) {
	d := testDelegation(t, time.Hour)
	d.Info.Key.KeyValue = nil

	if err := WriteCCache(filepath.Join(t.TempDir(), "cc"), d); err == nil {
		t.Fatal("expected error for delegation without session key")
	}
}

// ============================================================================
// RemoveCCache tests
// ============================================================================

func TestRemoveCCache_DeletesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "krb5cc_test")

	if err := WriteCCache(path, testDelegation(t, time.Hour)); err != nil {
		t.Fatalf("WriteCCache failed: %v", err)
	}

	if err := RemoveCCache(path); err != nil {
		t.Fatalf("RemoveCCache failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected ccache file to be removed")
	}
}

func TestRemoveCCache_MissingFileIsNotAnError(t *testing.T) {
	if err := RemoveCCache(filepath.Join(t.TempDir(), "nope")); err != nil {
		t.Fatalf("expected nil for missing file, got %v", err)
	}
}

// ============================================================================
// Context tests
// ============================================================================

func TestNewContext_WritesCCache(t *testing.T) {
	dir := t.TempDir()

	ctx, err := NewContext(nil, "sess123", testDelegation(t, time.Hour), dir)
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}

	if ctx.Principal() != "alice@TEST.LOCAL" {
		t.Fatalf("expected alice@TEST.LOCAL, got %s", ctx.Principal())
	}
	if _, err := os.Stat(ctx.CcachePath()); err != nil {
		t.Fatalf("expected ccache file at %s: %v", ctx.CcachePath(), err)
	}
	if filepath.Dir(ctx.CcachePath()) != dir {
		t.Fatalf("expected ccache under %s, got %s", dir, ctx.CcachePath())
	}
}

func TestContext_DestroyRemovesCCacheOnce(t *testing.T) {
	dir := t.TempDir()

	ctx, err := NewContext(nil, "sess123", testDelegation(t, time.Hour), dir)
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}

	if err := ctx.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if _, err := os.Stat(ctx.CcachePath()); !os.IsNotExist(err) {
		t.Fatal("expected ccache file to be removed")
	}

	// Second destroy is a no-op.
	if err := ctx.Destroy(); err != nil {
		t.Fatalf("second Destroy failed: %v", err)
	}
}

func TestContext_TokenForServer_CacheHit(t *testing.T) {
	c := &Context{
		principal: "alice@TEST.LOCAL",
		tokens: map[string]cachedToken{
			"HTTP/backend.test.local": {b64: "cached-token", expires: time.Now().Add(time.Minute)},
		},
	}

	got, err := c.TokenForServer(context.Background(), "HTTP/backend.test.local", time.Second, time.Minute)
	if err != nil {
		t.Fatalf("TokenForServer failed: %v", err)
	}
	if got != "cached-token" {
		t.Fatalf("expected cached token, got %s", got)
	}
}

func TestContext_TokenForServer_ExpiredTGT(t *testing.T) {
	c := &Context{
		principal: "alice@TEST.LOCAL",
		tgtEnd:    time.Now().Add(-time.Minute),
		tokens:    make(map[string]cachedToken),
	}

	_, err := c.TokenForServer(context.Background(), "HTTP/backend.test.local", time.Second, time.Minute)
	if err == nil {
		t.Fatal("expected error for expired TGT")
	}
}

func TestContext_TokenForServer_AfterDestroy(t *testing.T) {
	dir := t.TempDir()

	ctx, err := NewContext(nil, "sess123", testDelegation(t, time.Hour), dir)
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	if err := ctx.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}

	if _, err := ctx.TokenForServer(context.Background(), "HTTP/backend.test.local", time.Second, time.Minute); err == nil {
		t.Fatal("expected error after destroy")
	}
}
