package kerberos

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/nametype"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/dturbay/secmgr/internal/logger"
)

// MIT credential cache FILE format, version 4. All integers are big-endian.
// Version 4 is what modern MIT and Heimdal tooling writes and what the krb5
// client libraries (including gokrb5's LoadCCache) read back.
const (
	ccacheVersionMajor = 0x05
	ccacheVersionMinor = 0x04

	// header field tag for KDC time offset (DeltaTime)
	ccacheHeaderTagDeltaTime = 1
)

// WriteCCache materializes a delegated credential as an MIT-format
// credential cache file at path.
//
// The file holds a single credential: the forwarded TGT with its session
// key, usable by any krb5 client library to request further service tickets
// as the delegated principal. The file is created with mode 0600 since the
// session key inside it is equivalent to the user's credentials.
func WriteCCache(path string, d *Delegation) error {
	if d == nil {
		return fmt.Errorf("nil delegation")
	}

	var buf bytes.Buffer

	buf.WriteByte(ccacheVersionMajor)
	buf.WriteByte(ccacheVersionMinor)

	writeCCacheHeader(&buf)

	// Default principal is the delegated client.
	writeCCachePrincipal(&buf, d.ClientName, d.ClientRealm)

	if err := writeCCacheCredential(&buf, d); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create ccache directory: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write ccache: %w", err)
	}

	logger.Debug("Wrote credential cache",
		logger.KeyCcache, path,
		logger.KeyPrincipal, d.Principal,
	)

	return nil
}

// writeCCacheHeader writes the v4 header block: a 16-bit total length
// followed by tagged fields. A single DeltaTime field (tag 1, 8 bytes of
// seconds+microseconds KDC clock offset) is required by some readers.
func writeCCacheHeader(buf *bytes.Buffer) {
	binary.Write(buf, binary.BigEndian, uint16(12)) // 2+2+8
	binary.Write(buf, binary.BigEndian, uint16(ccacheHeaderTagDeltaTime))
	binary.Write(buf, binary.BigEndian, uint16(8))
	binary.Write(buf, binary.BigEndian, uint32(0)) // seconds offset
	binary.Write(buf, binary.BigEndian, uint32(0)) // microseconds offset
}

// writeCCachePrincipal writes a principal record: name type, component
// count, realm, then each component, all length-prefixed.
func writeCCachePrincipal(buf *bytes.Buffer, name types.PrincipalName, realm string) {
	nt := name.NameType
	if nt == 0 {
		nt = nametype.KRB_NT_PRINCIPAL
	}
	binary.Write(buf, binary.BigEndian, uint32(nt))
	binary.Write(buf, binary.BigEndian, uint32(len(name.NameString)))
	writeCCacheData(buf, []byte(realm))
	for _, c := range name.NameString {
		writeCCacheData(buf, []byte(c))
	}
}

// writeCCacheData writes a 32-bit length followed by the raw bytes.
func writeCCacheData(buf *bytes.Buffer, b []byte) {
	binary.Write(buf, binary.BigEndian, uint32(len(b)))
	buf.Write(b)
}

// writeCCacheTimestamp writes a unix timestamp as 32 bits; the zero time
// is written as 0, matching how kinit records absent times.
func writeCCacheTimestamp(buf *bytes.Buffer, t time.Time) {
	if t.IsZero() {
		binary.Write(buf, binary.BigEndian, uint32(0))
		return
	}
	binary.Write(buf, binary.BigEndian, uint32(t.Unix()))
}

// writeCCacheCredential writes a single credential record for the
// delegation's forwarded TGT.
func writeCCacheCredential(buf *bytes.Buffer, d *Delegation) error {
	info := d.Info

	// Client principal.
	writeCCachePrincipal(buf, d.ClientName, d.ClientRealm)

	// Server principal. The KRB-CRED names the TGS; fall back to the
	// canonical krbtgt/REALM@REALM form when the optional field is absent.
	sname := info.SName
	srealm := info.SRealm
	if len(sname.NameString) == 0 {
		srealm = d.ClientRealm
		sname = types.PrincipalName{
			NameType:   nametype.KRB_NT_SRV_INST,
			NameString: []string{"krbtgt", srealm},
		}
	}
	writeCCachePrincipal(buf, sname, srealm)

	// Keyblock: 16-bit enctype, then length-prefixed key material.
	if len(info.Key.KeyValue) == 0 {
		return fmt.Errorf("delegation carries no session key")
	}
	binary.Write(buf, binary.BigEndian, uint16(info.Key.KeyType))
	writeCCacheData(buf, info.Key.KeyValue)

	writeCCacheTimestamp(buf, info.AuthTime)
	writeCCacheTimestamp(buf, info.StartTime)
	writeCCacheTimestamp(buf, info.EndTime)
	writeCCacheTimestamp(buf, info.RenewTill)

	buf.WriteByte(0) // is_skey

	buf.Write(ccacheTicketFlags(info.Flags.Bytes))

	binary.Write(buf, binary.BigEndian, uint32(0)) // address count
	binary.Write(buf, binary.BigEndian, uint32(0)) // authdata count

	tktBytes, err := d.Ticket.Marshal()
	if err != nil {
		return fmt.Errorf("marshal forwarded ticket: %w", err)
	}
	writeCCacheData(buf, tktBytes)
	writeCCacheData(buf, nil) // second ticket

	return nil
}

// ccacheTicketFlags converts the ASN.1 TicketFlags bit string into the fixed
// 4-byte field the cache format uses.
func ccacheTicketFlags(b []byte) []byte {
	out := make([]byte, 4)
	copy(out, b)
	return out
}

// RemoveCCache deletes a credential cache file. A missing file is not an
// error; caches may be cleaned externally by tmp reapers.
func RemoveCCache(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove ccache: %w", err)
	}
	return nil
}
