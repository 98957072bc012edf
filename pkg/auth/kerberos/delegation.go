package kerberos

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/service"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/dturbay/secmgr/internal/logger"
)

// gssChecksumType is the GSS-API checksum type carried in the AP-REQ
// authenticator (RFC 4121 Section 4.1.1).
const gssChecksumType = 0x8003

// gssFlagDeleg is the GSS_C_DELEG_FLAG bit in the checksum Flags field.
const gssFlagDeleg = 0x1

// Delegation errors. All of these are expected, recoverable outcomes:
// the caller reports an absent result rather than a hard failure.
var (
	ErrNoDelegation  = errors.New("kerberos: client did not delegate credentials")
	ErrBadCredential = errors.New("kerberos: delegated credential rejected")
)

// Delegation holds credentials forwarded by a client inside its AP-REQ.
//
// The forwarded TGT plus its session key are sufficient to request service
// tickets on the client's behalf until the TGT expires.
type Delegation struct {
	// Principal is the delegated identity in "user@REALM" form.
	Principal string

	// ClientName and ClientRealm identify the delegated principal.
	ClientName  types.PrincipalName
	ClientRealm string

	// Ticket is the forwarded ticket-granting ticket.
	Ticket messages.Ticket

	// Info carries the TGT session key and validity times from the
	// decrypted KRB-CRED.
	Info messages.KrbCredInfo
}

// ExtractDelegation validates a client-presented negotiation token and
// extracts the delegated credentials it carries.
//
// Steps:
//  1. Unwrap SPNEGO / GSS-API framing down to the raw AP-REQ.
//  2. Verify the AP-REQ against the gateway keytab (service.VerifyAPREQ).
//  3. Decrypt the authenticator and locate the RFC 4121 GSS checksum.
//  4. If the delegation flag is set, decrypt the embedded KRB-CRED with
//     the ticket session key and return the forwarded TGT.
//
// Any verification or parsing failure is returned as an error; callers
// treat all such errors as soft (the client simply gets no delegated
// access).
func (p *Provider) ExtractDelegation(token []byte) (*Delegation, error) {
	mechToken, err := ExtractKrb5MechToken(token)
	if err != nil {
		return nil, err
	}

	apReqBytes, err := extractAPReq(mechToken)
	if err != nil {
		return nil, fmt.Errorf("extract AP-REQ from GSS token: %w", err)
	}

	var apReq messages.APReq
	if err := apReq.Unmarshal(apReqBytes); err != nil {
		return nil, fmt.Errorf("unmarshal AP-REQ: %w", err)
	}

	settings := service.NewSettings(
		p.Keytab(),
		service.MaxClockSkew(p.MaxClockSkew()),
		service.DecodePAC(false),
		service.KeytabPrincipal(p.ServicePrincipal()),
	)

	ok, _, err := service.VerifyAPREQ(&apReq, settings)
	if err != nil {
		return nil, fmt.Errorf("verify AP-REQ: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: AP-REQ verification failed", ErrBadCredential)
	}

	sessionKey := apReq.Ticket.DecryptedEncPart.Key

	if err := apReq.DecryptAuthenticator(sessionKey); err != nil {
		return nil, fmt.Errorf("decrypt authenticator: %w", err)
	}

	clientName := apReq.Ticket.DecryptedEncPart.CName
	clientRealm := apReq.Ticket.DecryptedEncPart.CRealm

	cred, err := parseDelegatedCred(apReq.Authenticator.Cksum, sessionKey)
	if err != nil {
		return nil, err
	}

	if len(cred.Tickets) == 0 || len(cred.DecryptedEncPart.TicketInfo) == 0 {
		return nil, fmt.Errorf("%w: KRB-CRED carries no tickets", ErrBadCredential)
	}

	info := cred.DecryptedEncPart.TicketInfo[0]

	// The KRB-CRED ticket info names the delegated principal; fall back to
	// the verified ticket's client when the optional field is absent.
	name := info.PName
	realm := info.PRealm
	if len(name.NameString) == 0 {
		name = clientName
		realm = clientRealm
	}

	d := &Delegation{
		Principal:   fmt.Sprintf("%s@%s", name.PrincipalNameString(), realm),
		ClientName:  name,
		ClientRealm: realm,
		Ticket:      cred.Tickets[0],
		Info:        info,
	}

	logger.Debug("Extracted delegated credentials",
		logger.KeyPrincipal, d.Principal,
		"tgt_end_time", info.EndTime,
	)

	return d, nil
}

// parseDelegatedCred parses the RFC 4121 GSS checksum from the
// authenticator and decrypts the embedded KRB-CRED.
//
// Checksum layout (all integers little-endian, RFC 1964 Section 1.1.1):
//
//	Lgth(4) Bnd(16) Flags(4) [DlgOpt(2) Dlgth(2) Deleg(Dlgth)] [Exts]
func parseDelegatedCred(cksum types.Checksum, sessionKey types.EncryptionKey) (*messages.KRBCred, error) {
	if cksum.CksumType != gssChecksumType {
		return nil, fmt.Errorf("%w: authenticator checksum type 0x%x is not GSS-API", ErrNoDelegation, cksum.CksumType)
	}

	b := cksum.Checksum
	if len(b) < 24 {
		return nil, fmt.Errorf("%w: GSS checksum too short (%d bytes)", ErrBadCredential, len(b))
	}

	bndLen := binary.LittleEndian.Uint32(b[0:4])
	if bndLen != 16 {
		return nil, fmt.Errorf("%w: unexpected channel binding length %d", ErrBadCredential, bndLen)
	}

	flags := binary.LittleEndian.Uint32(b[20:24])
	if flags&gssFlagDeleg == 0 {
		return nil, ErrNoDelegation
	}

	if len(b) < 28 {
		return nil, fmt.Errorf("%w: delegation fields truncated", ErrBadCredential)
	}

	dlgLen := int(binary.LittleEndian.Uint16(b[26:28]))
	if len(b) < 28+dlgLen {
		return nil, fmt.Errorf("%w: KRB-CRED truncated (%d of %d bytes)", ErrBadCredential, len(b)-28, dlgLen)
	}

	var cred messages.KRBCred
	if err := cred.Unmarshal(b[28 : 28+dlgLen]); err != nil {
		return nil, fmt.Errorf("unmarshal KRB-CRED: %w", err)
	}

	// Per RFC 4121 the KRB-CRED is encrypted in the ticket session key.
	// Some implementations send it with no encryption (etype 0).
	var plain []byte
	if cred.EncPart.EType == 0 {
		plain = cred.EncPart.Cipher
	} else {
		var err error
		plain, err = crypto.DecryptEncPart(cred.EncPart, sessionKey, keyusage.KRB_CRED_ENCPART)
		if err != nil {
			return nil, fmt.Errorf("decrypt KRB-CRED enc-part: %w", err)
		}
	}

	var encPart messages.EncKrbCredPart
	if err := encPart.Unmarshal(plain); err != nil {
		return nil, fmt.Errorf("unmarshal EncKrbCredPart: %w", err)
	}
	cred.DecryptedEncPart = encPart

	return &cred, nil
}
