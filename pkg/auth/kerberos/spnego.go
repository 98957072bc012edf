package kerberos

import (
	"errors"
	"fmt"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/spnego"
)

// Well-known mechanism OIDs used in SPNEGO negotiation.
var (
	// OIDMSKerberosV5 is Microsoft's Kerberos 5 OID (1.2.840.48018.1.2.2).
	// Offered by Windows clients for Kerberos authentication.
	OIDMSKerberosV5 = asn1.ObjectIdentifier{1, 2, 840, 48018, 1, 2, 2}

	// OIDKerberosV5 is the standard Kerberos 5 OID (1.2.840.113554.1.2.2).
	// Defined in RFC 4121.
	OIDKerberosV5 = asn1.ObjectIdentifier{1, 2, 840, 113554, 1, 2, 2}

	// OIDSPNEGO is the SPNEGO mechanism OID (1.3.6.1.5.5.2).
	// Identifies the outer GSSAPI wrapper.
	OIDSPNEGO = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 2}
)

// Error types for SPNEGO token handling.
var (
	ErrInvalidToken    = errors.New("spnego: invalid token format")
	ErrUnsupportedMech = errors.New("spnego: no Kerberos mechanism offered")
	ErrNoMechToken     = errors.New("spnego: no mechanism token present")
)

// ExtractKrb5MechToken extracts the Kerberos mechanism token from a
// client-presented negotiation token.
//
// The input can be:
//   - A GSSAPI-wrapped SPNEGO NegTokenInit (starts with 0x60, SPNEGO OID)
//   - A raw NegTokenInit (starts with 0xa0)
//   - A GSSAPI-wrapped bare krb5 token (0x60 with the krb5 OID)
//   - A raw Kerberos AP-REQ (ASN.1 Application [14], 0x6E)
//
// For SPNEGO tokens the offered mechanisms must include Kerberos; NTLM-only
// negotiations are rejected since they carry no delegable credentials.
func ExtractKrb5MechToken(token []byte) ([]byte, error) {
	if len(token) < 2 {
		return nil, ErrInvalidToken
	}

	// Raw AP-REQ or a GSS-wrapped krb5 token: pass through, the AP-REQ
	// unwrapping happens in extractAPReq.
	if token[0] == 0x6E {
		return token, nil
	}
	if token[0] == 0x60 && !isSPNEGOWrapped(token) {
		return token, nil
	}

	isInit, negToken, err := spnego.UnmarshalNegToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !isInit {
		// NegTokenResp carries continuation state, not an initial context;
		// delegation capture only happens on the initial token.
		return nil, ErrInvalidToken
	}

	initToken, ok := negToken.(spnego.NegTokenInit)
	if !ok {
		return nil, ErrInvalidToken
	}

	if !offersKerberos(initToken.MechTypes) {
		return nil, ErrUnsupportedMech
	}
	if len(initToken.MechTokenBytes) == 0 {
		return nil, ErrNoMechToken
	}

	return initToken.MechTokenBytes, nil
}

// offersKerberos reports whether the offered mechanisms include Kerberos.
func offersKerberos(mechTypes []asn1.ObjectIdentifier) bool {
	for _, mech := range mechTypes {
		if mech.Equal(OIDKerberosV5) || mech.Equal(OIDMSKerberosV5) {
			return true
		}
	}
	return false
}

// spnegoOIDBytes is the DER encoding of the SPNEGO OID (1.3.6.1.5.5.2)
// including the OID tag and length.
var spnegoOIDBytes = []byte{0x06, 0x06, 0x2b, 0x06, 0x01, 0x05, 0x05, 0x02}

// isSPNEGOWrapped reports whether a GSSAPI initial context token (0x60)
// carries the SPNEGO mechanism rather than bare krb5.
func isSPNEGOWrapped(token []byte) bool {
	// The mech OID follows the outer tag and DER length; scanning the first
	// few bytes is sufficient since the OID appears before any inner token.
	limit := len(spnegoOIDBytes) + 6
	if limit > len(token) {
		limit = len(token)
	}
	for i := 0; i+len(spnegoOIDBytes) <= limit; i++ {
		if string(token[i:i+len(spnegoOIDBytes)]) == string(spnegoOIDBytes) {
			return true
		}
	}
	return false
}

// extractAPReq strips the GSS-API initial context token wrapper if present.
//
// GSS-API initial context tokens (RFC 2743 Section 3.1) have the format:
//
//	0x60 [length] 0x06 [OID-length] [OID-bytes] [inner-token]
//
// Per RFC 1964 Section 1.1, the krb5 inner token has a 2-byte token ID:
//
//	0x01 0x00 = AP-REQ (context establishment)
//
// After stripping the GSS wrapper and token ID, we get the raw AP-REQ.
// If the token doesn't start with 0x60, it's treated as a raw AP-REQ.
func extractAPReq(token []byte) ([]byte, error) {
	if len(token) < 2 {
		return nil, fmt.Errorf("token too short: %d bytes", len(token))
	}

	if token[0] != 0x60 {
		return token, nil
	}

	offset := 1
	length, bytesRead, err := parseASN1Length(token[offset:])
	if err != nil {
		return nil, fmt.Errorf("parse GSS token length: %w", err)
	}
	offset += bytesRead

	if offset+int(length) > len(token) {
		return nil, fmt.Errorf("GSS token truncated: expected %d bytes, have %d", offset+int(length), len(token))
	}

	// Expect OID tag (0x06)
	if offset >= len(token) || token[offset] != 0x06 {
		return nil, fmt.Errorf("expected OID tag 0x06 at offset %d", offset)
	}
	offset++

	if offset >= len(token) {
		return nil, fmt.Errorf("truncated OID length")
	}
	oidLen := int(token[offset])
	offset++
	offset += oidLen

	if offset > len(token) {
		return nil, fmt.Errorf("truncated after OID")
	}

	if offset+2 > len(token) {
		return nil, fmt.Errorf("truncated token ID")
	}

	tokenID := (uint16(token[offset]) << 8) | uint16(token[offset+1])
	if tokenID != 0x0100 {
		return nil, fmt.Errorf("unexpected krb5 token ID: 0x%04x (expected 0x0100 for AP-REQ)", tokenID)
	}
	offset += 2

	// Everything after the token ID is the raw AP-REQ (ASN.1 APPLICATION 14)
	return token[offset:], nil
}

// parseASN1Length parses a DER length field.
// Returns the length value and the number of bytes consumed.
func parseASN1Length(b []byte) (int, int, error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("empty length field")
	}

	if b[0] < 0x80 {
		// Short form
		return int(b[0]), 1, nil
	}

	// Long form: low 7 bits give the number of length octets
	numOctets := int(b[0] & 0x7f)
	if numOctets == 0 || numOctets > 4 {
		return 0, 0, fmt.Errorf("unsupported DER length encoding")
	}
	if len(b) < 1+numOctets {
		return 0, 0, fmt.Errorf("truncated DER length")
	}

	length := 0
	for i := 0; i < numOctets; i++ {
		length = length<<8 | int(b[1+i])
	}
	return length, 1 + numOctets, nil
}
