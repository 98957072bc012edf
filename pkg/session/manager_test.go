package session

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/iana/nametype"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/dturbay/secmgr/pkg/auth/kerberos"
)

// ============================================================================
// Test helpers
// ============================================================================

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(NewMemoryBackend(), nil, KerberosSettings{
		CcacheDir:     t.TempDir(),
		TicketTimeout: time.Second,
		TokenCacheTTL: time.Minute,
	}, nil)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func mustCreate(t *testing.T, m *Manager) string {
	t.Helper()
	id, err := m.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return id
}

// testDelegation builds a synthetic forwarded-TGT delegation good enough to
// materialize a credential cache.
func testDelegation(t *testing.T) *kerberos.Delegation {
	t.Helper()

	now := time.Now().Truncate(time.Second)
	clientName := types.PrincipalName{
		NameType:   nametype.KRB_NT_PRINCIPAL,
		NameString: []string{"alice"},
	}
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	return &kerberos.Delegation{
		Principal:   "alice@TEST.LOCAL",
		ClientName:  clientName,
		ClientRealm: "TEST.LOCAL",
		Ticket: messages.Ticket{
			TktVNO: 5,
			Realm:  "TEST.LOCAL",
			SName: types.PrincipalName{
				NameType:   nametype.KRB_NT_SRV_INST,
				NameString: []string{"krbtgt", "TEST.LOCAL"},
			},
			EncPart: types.EncryptedData{EType: 18, KVNO: 1, Cipher: []byte{1, 2, 3, 4}},
		},
		Info: messages.KrbCredInfo{
			Key:     types.EncryptionKey{KeyType: 18, KeyValue: key},
			PRealm:  "TEST.LOCAL",
			PName:   clientName,
			Flags:   asn1.BitString{Bytes: []byte{0x50, 0xe0, 0x00, 0x00}, BitLength: 32},
			EndTime: now.Add(time.Hour),
		},
	}
}

// attachDelegation materializes a delegation context and attaches it to the
// session, as a successful identity store would.
func attachDelegation(t *testing.T, m *Manager, id string) *kerberos.Context {
	t.Helper()

	kctx, err := kerberos.NewContext(nil, id, testDelegation(t), m.krb.CcacheDir)
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	m.kmu.Lock()
	m.kcontexts[id] = kctx
	m.kmu.Unlock()
	return kctx
}

// ============================================================================
// Session lifecycle
// ============================================================================

func TestManager_CreateSession_UniqueIDs(t *testing.T) {
	m := newTestManager(t)

	a := mustCreate(t, m)
	b := mustCreate(t, m)
	if a == b {
		t.Fatal("expected distinct session ids")
	}
}

func TestManager_SessionExists(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	id := mustCreate(t, m)

	exists, err := m.SessionExists(ctx, id)
	if err != nil || !exists {
		t.Fatalf("expected session to exist: exists=%v err=%v", exists, err)
	}

	exists, err = m.SessionExists(ctx, "unknown")
	if err != nil {
		t.Fatalf("SessionExists failed: %v", err)
	}
	if exists {
		t.Fatal("expected unknown id to not exist")
	}
}

func TestManager_DeleteSession(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	id := mustCreate(t, m)

	if err := m.DeleteSession(ctx, id); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}

	if err := m.DeleteSession(ctx, id); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on double delete, got %v", err)
	}

	exists, _ := m.SessionExists(ctx, id)
	if exists {
		t.Fatal("expected deleted session to be gone")
	}
}

func TestManager_SessionAge(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	id := mustCreate(t, m)

	age, err := m.SessionAge(ctx, id)
	if err != nil {
		t.Fatalf("SessionAge failed: %v", err)
	}
	if age < 0 || age > time.Minute {
		t.Fatalf("implausible age %v", age)
	}

	if _, err := m.SessionAge(ctx, "unknown"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

// ============================================================================
// Value operations
// ============================================================================

func TestManager_SetGetValue(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	id := mustCreate(t, m)

	if err := m.SetValue(ctx, id, "user", "alice"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	got, ok, err := m.GetValue(ctx, id, "user")
	if err != nil || !ok {
		t.Fatalf("GetValue: ok=%v err=%v", ok, err)
	}
	if got != "alice" {
		t.Fatalf("expected alice, got %s", got)
	}

	// Overwrite.
	if err := m.SetValue(ctx, id, "user", "bob"); err != nil {
		t.Fatalf("SetValue overwrite failed: %v", err)
	}
	got, _, _ = m.GetValue(ctx, id, "user")
	if got != "bob" {
		t.Fatalf("expected bob after overwrite, got %s", got)
	}
}

func TestManager_GetValue_MissingKey(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	id := mustCreate(t, m)

	_, ok, err := m.GetValue(ctx, id, "never-written")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if ok {
		t.Fatal("expected absent key to report not-found, not an error")
	}
}

func TestManager_SetGetValueBin(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	id := mustCreate(t, m)

	blob := []byte{0x00, 0xDE, 0xAD, 0xBE, 0xEF}
	if err := m.SetValueBin(ctx, id, "blob", blob); err != nil {
		t.Fatalf("SetValueBin failed: %v", err)
	}

	got, ok, err := m.GetValueBin(ctx, id, "blob")
	if err != nil || !ok {
		t.Fatalf("GetValueBin: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, blob) {
		t.Fatalf("expected %v, got %v", blob, got)
	}
}

func TestManager_StringAndBinaryShareKeyspace(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	id := mustCreate(t, m)

	if err := m.SetValue(ctx, id, "k", "text"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if err := m.SetValueBin(ctx, id, "k", []byte{1, 2, 3}); err != nil {
		t.Fatalf("SetValueBin failed: %v", err)
	}

	// One tagged store: the binary write replaced the string value.
	got, ok, err := m.GetValueBin(ctx, id, "k")
	if err != nil || !ok {
		t.Fatalf("GetValueBin: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("expected binary value to win, got %v", got)
	}

	ok, err = m.KeyExists(ctx, id, "k")
	if err != nil || !ok {
		t.Fatalf("expected key to exist once: ok=%v err=%v", ok, err)
	}
}

func TestManager_EmptyKey(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	id := mustCreate(t, m)

	// Writes reject the empty key.
	if err := m.SetValue(ctx, id, "", "v"); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
	if err := m.SetValueBin(ctx, id, "", []byte{1}); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}

	// Reads answer absent.
	_, ok, err := m.GetValue(ctx, id, "")
	if err != nil || ok {
		t.Fatalf("expected absent for empty key read: ok=%v err=%v", ok, err)
	}
	exists, err := m.KeyExists(ctx, id, "")
	if err != nil || exists {
		t.Fatalf("expected empty key to not exist: exists=%v err=%v", exists, err)
	}

	// Reads on an unknown session still fail hard.
	if _, _, err := m.GetValue(ctx, "unknown", ""); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestManager_NilBinaryValueStoredEmpty(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	id := mustCreate(t, m)

	if err := m.SetValueBin(ctx, id, "k", nil); err != nil {
		t.Fatalf("SetValueBin failed: %v", err)
	}

	got, ok, err := m.GetValueBin(ctx, id, "k")
	if err != nil || !ok {
		t.Fatalf("GetValueBin: ok=%v err=%v", ok, err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty value, got %v", got)
	}
}

func TestManager_ValueOpsOnUnknownSession(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	if err := m.SetValue(ctx, "unknown", "k", "v"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("SetValue: expected ErrSessionNotFound, got %v", err)
	}
	if _, _, err := m.GetValue(ctx, "unknown", "k"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("GetValue: expected ErrSessionNotFound, got %v", err)
	}
	if _, err := m.KeyExists(ctx, "unknown", "k"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("KeyExists: expected ErrSessionNotFound, got %v", err)
	}
}

// ============================================================================
// Concurrency
// ============================================================================

func TestManager_ConcurrentWritesLeaveOneValue(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	id := mustCreate(t, m)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		val := "v1"
		if i == 1 {
			val = "v2"
		}
		go func(v string) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if err := m.SetValue(ctx, id, "k", v); err != nil {
					t.Errorf("SetValue failed: %v", err)
					return
				}
			}
		}(val)
	}
	wg.Wait()

	got, ok, err := m.GetValue(ctx, id, "k")
	if err != nil || !ok {
		t.Fatalf("GetValue: ok=%v err=%v", ok, err)
	}
	if got != "v1" && got != "v2" {
		t.Fatalf("expected v1 or v2, got corrupted %q", got)
	}
}

func TestManager_UnrelatedSessionsDoNotBlock(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := mustCreate(t, m)
			for j := 0; j < 50; j++ {
				if err := m.SetValue(ctx, id, "k", "v"); err != nil {
					t.Errorf("SetValue failed: %v", err)
					return
				}
				if _, _, err := m.GetValue(ctx, id, "k"); err != nil {
					t.Errorf("GetValue failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

// ============================================================================
// Kerberos operations
// ============================================================================

func TestManager_Krb5Ops_UnknownSession(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	if _, err := m.StoreKrb5Identity(ctx, "unknown", []byte{1}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("StoreKrb5Identity: expected ErrSessionNotFound, got %v", err)
	}
	if _, err := m.GetKrb5TokenForServer(ctx, "unknown", "HTTP/b"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("GetKrb5TokenForServer: expected ErrSessionNotFound, got %v", err)
	}
	if _, err := m.GetKrb5Identity(ctx, "unknown"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("GetKrb5Identity: expected ErrSessionNotFound, got %v", err)
	}
	if _, err := m.GetKrb5CcacheFilename(ctx, "unknown"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("GetKrb5CcacheFilename: expected ErrSessionNotFound, got %v", err)
	}
}

func TestManager_Krb5Ops_BeforeIdentityStored(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	id := mustCreate(t, m)

	// No identity stored: absent results, never errors.
	token, err := m.GetKrb5TokenForServer(ctx, id, "HTTP/backend.test.local")
	if err != nil {
		t.Fatalf("GetKrb5TokenForServer failed: %v", err)
	}
	if token != "" {
		t.Fatalf("expected empty token, got %q", token)
	}

	principal, err := m.GetKrb5Identity(ctx, id)
	if err != nil || principal != "" {
		t.Fatalf("expected absent identity: principal=%q err=%v", principal, err)
	}

	path, err := m.GetKrb5CcacheFilename(ctx, id)
	if err != nil || path != "" {
		t.Fatalf("expected absent ccache path: path=%q err=%v", path, err)
	}
}

func TestManager_StoreKrb5Identity_DisabledSubsystem(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t) // nil provider
	id := mustCreate(t, m)

	principal, err := m.StoreKrb5Identity(ctx, id, []byte{0xFF})
	if err != nil {
		t.Fatalf("StoreKrb5Identity failed: %v", err)
	}
	if principal != "" {
		t.Fatalf("expected absent principal with disabled subsystem, got %q", principal)
	}
}

func TestManager_Krb5ServerName_Disabled(t *testing.T) {
	m := newTestManager(t)
	if name := m.Krb5ServerName(); name != "" {
		t.Fatalf("expected empty server name with disabled subsystem, got %q", name)
	}
}

func TestManager_ParseKrb5Keytab_Invalid(t *testing.T) {
	m := newTestManager(t)
	if p := m.ParseKrb5Keytab("/nonexistent/keytab"); p != "" {
		t.Fatalf("expected empty principal for missing keytab, got %q", p)
	}
}

func TestManager_DeleteSession_CascadesToDelegation(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	id := mustCreate(t, m)

	kctx := attachDelegation(t, m, id)
	ccache := kctx.CcachePath()
	if _, err := os.Stat(ccache); err != nil {
		t.Fatalf("expected ccache file: %v", err)
	}

	if err := m.DeleteSession(ctx, id); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}

	if _, err := os.Stat(ccache); !os.IsNotExist(err) {
		t.Fatal("expected ccache file to be removed with the session")
	}
}

func TestManager_AttachedIdentityIsReadable(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	id := mustCreate(t, m)

	kctx := attachDelegation(t, m, id)

	principal, err := m.GetKrb5Identity(ctx, id)
	if err != nil {
		t.Fatalf("GetKrb5Identity failed: %v", err)
	}
	if principal != "alice@TEST.LOCAL" {
		t.Fatalf("expected alice@TEST.LOCAL, got %q", principal)
	}

	path, err := m.GetKrb5CcacheFilename(ctx, id)
	if err != nil {
		t.Fatalf("GetKrb5CcacheFilename failed: %v", err)
	}
	if path != kctx.CcachePath() {
		t.Fatalf("expected %s, got %s", kctx.CcachePath(), path)
	}
}

// ============================================================================
// Sweep
// ============================================================================

func TestManager_Sweep_ReapsIdleAndCleansDelegation(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	backend := newTestMemoryBackend(clock)
	m := NewManager(backend, nil, KerberosSettings{CcacheDir: t.TempDir()}, nil)

	if err := backend.Create(ctx, "idle", clock.now()); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	kctx := attachDelegation(t, m, "idle")

	clock.advance(time.Hour)

	reaped := m.Sweep(ctx, 30*time.Minute)
	if reaped != 1 {
		t.Fatalf("expected 1 reaped session, got %d", reaped)
	}
	if backend.Len() != 0 {
		t.Fatal("expected store to be empty after sweep")
	}
	if _, err := os.Stat(kctx.CcachePath()); !os.IsNotExist(err) {
		t.Fatal("expected ccache file to be removed by sweep")
	}
}

func TestManager_Sweep_SparesActiveSessions(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	backend := newTestMemoryBackend(clock)
	m := NewManager(backend, nil, KerberosSettings{CcacheDir: t.TempDir()}, nil)

	if err := backend.Create(ctx, "active", clock.now()); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	clock.advance(10 * time.Minute)
	if _, err := backend.Age(ctx, "active"); err != nil {
		t.Fatalf("Age failed: %v", err)
	}

	if reaped := m.Sweep(ctx, 30*time.Minute); reaped != 0 {
		t.Fatalf("expected no reaped sessions, got %d", reaped)
	}
}

func TestManager_Sweep_CleansOrphanedDelegations(t *testing.T) {
	// A delegation context whose session vanished from the backend (native
	// expiry on Redis, delete by another node) is destroyed by the sweep.
	ctx := context.Background()
	m := newTestManager(t)

	kctx := attachDelegation(t, m, "gone")

	m.Sweep(ctx, 30*time.Minute)

	if _, err := os.Stat(kctx.CcachePath()); !os.IsNotExist(err) {
		t.Fatal("expected orphaned ccache file to be removed")
	}
}
