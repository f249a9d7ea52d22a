package krb5

import (
	"bytes"
	"encoding/asn1"
	"errors"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
)

// GSS-API framing (RFC 2743 3.1, RFC 4121 4.1) and the SPNEGO tokens of
// RFC 4178 that carry an AP exchange to HTTP and SMB services.

var (
	OIDSPNEGO      = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 2}
	OIDKerberos5   = asn1.ObjectIdentifier{1, 2, 840, 113554, 1, 2, 2}
	OIDMSKerberos5 = asn1.ObjectIdentifier{1, 2, 840, 48018, 1, 2, 2}
)

var ErrUnsupportedMech = errors.New("krb5: no supported SPNEGO mechanism")

// SPNEGO negState values.
const (
	NegAcceptCompleted  = 0
	NegAcceptIncomplete = 1
	NegReject           = 2
	NegRequestMIC       = 3
)

// Kerberos GSS token IDs.
var (
	tokAPReq = []byte{0x01, 0x00}
	tokAPRep = []byte{0x02, 0x00}
	tokError = []byte{0x03, 0x00}
)

type negTokenInit struct {
	MechTypes   []asn1.ObjectIdentifier `asn1:"explicit,tag:0"`
	ReqFlags    asn1.BitString          `asn1:"explicit,optional,tag:1"`
	MechToken   []byte                  `asn1:"explicit,optional,tag:2"`
	MechListMIC []byte                  `asn1:"explicit,optional,tag:3"`
}

type negTokenResp struct {
	NegState      asn1.Enumerated       `asn1:"explicit,optional,tag:0"`
	SupportedMech asn1.ObjectIdentifier `asn1:"explicit,optional,tag:1"`
	ResponseToken []byte                `asn1:"explicit,optional,tag:2"`
	MechListMIC   []byte                `asn1:"explicit,optional,tag:3"`
}

func isKerberosMech(oid asn1.ObjectIdentifier) bool {
	return oid.Equal(OIDKerberos5) || oid.Equal(OIDMSKerberos5)
}

// wrapGSS frames a Kerberos message as an InitialContextToken.
func wrapGSS(oid asn1.ObjectIdentifier, tokID, msg []byte) ([]byte, error) {
	o, err := asn1.Marshal(oid)
	if err != nil {
		return nil, err
	}
	inner := make([]byte, 0, len(o)+len(tokID)+len(msg))
	inner = append(inner, o...)
	inner = append(inner, tokID...)
	inner = append(inner, msg...)
	return tlv(asn1.ClassApplication, 0, true, inner), nil
}

// unwrapGSS splits a Kerberos InitialContextToken. The token ID and the
// message that follow the OID are not DER elements of their own.
func unwrapGSS(b []byte) (tokID, msg []byte, err error) {
	var outer asn1.RawValue
	rest, err := asn1.Unmarshal(b, &outer)
	if err != nil {
		return nil, nil, err
	}
	if len(rest) > 0 {
		return nil, nil, errors.New("trailing data")
	}
	if outer.Class != asn1.ClassApplication || outer.Tag != 0 {
		return nil, nil, fmt.Errorf("class %d tag %d, want application 0", outer.Class, outer.Tag)
	}
	var oid asn1.ObjectIdentifier
	rest, err = asn1.Unmarshal(outer.Bytes, &oid)
	if err != nil {
		return nil, nil, err
	}
	if !isKerberosMech(oid) {
		return nil, nil, fmt.Errorf("mechanism %v is not Kerberos", oid)
	}
	if len(rest) < 2 {
		return nil, nil, errors.New("short token")
	}
	return rest[:2], rest[2:], nil
}

// NewSPNEGOInit wraps an encoded AP-REQ as a client's initial SPNEGO token
// offering Kerberos 5.
func NewSPNEGOInit(apReq []byte) ([]byte, error) {
	mechToken, err := wrapGSS(OIDKerberos5, tokAPReq, apReq)
	if err != nil {
		return nil, err
	}
	var f fields
	f.value(0, []asn1.ObjectIdentifier{OIDKerberos5, OIDMSKerberos5})
	f.value(2, mechToken)
	if f.err != nil {
		return nil, f.err
	}
	init := tlv(asn1.ClassContextSpecific, 0, true, f.seq())
	o, err := asn1.Marshal(OIDSPNEGO)
	if err != nil {
		return nil, err
	}
	return tlv(asn1.ClassApplication, 0, true, append(o, init...)), nil
}

// ParseSPNEGOInit returns the Kerberos mechanism a client's initial SPNEGO
// token selected and the AP-REQ it carries. ErrUnsupportedMech reports a
// client that offered no Kerberos mechanism.
func ParseSPNEGOInit(b []byte) (mech asn1.ObjectIdentifier, apReq []byte, err error) {
	var gss struct {
		OID   asn1.ObjectIdentifier
		Inner asn1.RawValue
	}
	rest, err := asn1.UnmarshalWithParams(b, &gss, "application,tag:0")
	if err != nil {
		return nil, nil, decodeErr("SPNEGO token", err)
	}
	if len(rest) > 0 {
		return nil, nil, decodeErr("SPNEGO token", errors.New("trailing data"))
	}
	if !gss.OID.Equal(OIDSPNEGO) {
		return nil, nil, decodeErr("SPNEGO token", fmt.Errorf("mechanism %v is not SPNEGO", gss.OID))
	}
	if gss.Inner.Class != asn1.ClassContextSpecific || gss.Inner.Tag != 0 {
		return nil, nil, decodeErr("SPNEGO token", errors.New("not a negTokenInit"))
	}
	var init negTokenInit
	if err := unmarshalExact("negTokenInit", gss.Inner.Bytes, &init); err != nil {
		return nil, nil, err
	}
	for _, m := range init.MechTypes {
		if isKerberosMech(m) {
			mech = m
			break
		}
	}
	if mech == nil {
		return nil, nil, ErrUnsupportedMech
	}
	// Only a token for the first mechanism may ride along optimistically.
	if len(init.MechToken) == 0 || !init.MechTypes[0].Equal(mech) {
		return nil, nil, decodeErr("negTokenInit", errors.New("no Kerberos mechanism token"))
	}
	id, msg, err := unwrapGSS(init.MechToken)
	if err != nil {
		return nil, nil, decodeErr("mechanism token", err)
	}
	if !bytes.Equal(id, tokAPReq) {
		return nil, nil, decodeErr("mechanism token", fmt.Errorf("token id %x, want AP-REQ", id))
	}
	return mech, msg, nil
}

// NewSPNEGOResp builds a negTokenResp. msg is an encoded AP-REP or
// KRB-ERROR and may be empty; mech is omitted when nil.
func NewSPNEGOResp(state int, mech asn1.ObjectIdentifier, msg []byte) ([]byte, error) {
	var f fields
	f.value(0, asn1.Enumerated(state))
	if mech != nil {
		f.value(1, mech)
	}
	if len(msg) > 0 {
		id := tokAPRep
		if typ, err := MessageType(msg); err == nil && typ == msgtype.KRB_ERROR {
			id = tokError
		}
		tok, err := wrapGSS(OIDKerberos5, id, msg)
		if err != nil {
			return nil, err
		}
		f.value(2, tok)
	}
	if f.err != nil {
		return nil, f.err
	}
	return tlv(asn1.ClassContextSpecific, 1, true, f.seq()), nil
}

// ParseSPNEGOResp reads a negTokenResp and unwraps the Kerberos message it
// carries, if any.
func ParseSPNEGOResp(b []byte) (state int, mech asn1.ObjectIdentifier, msg []byte, err error) {
	var outer asn1.RawValue
	rest, err := asn1.Unmarshal(b, &outer)
	if err != nil {
		return 0, nil, nil, decodeErr("negTokenResp", err)
	}
	if len(rest) > 0 || outer.Class != asn1.ClassContextSpecific || outer.Tag != 1 {
		return 0, nil, nil, decodeErr("negTokenResp", errors.New("not a negTokenResp"))
	}
	var resp negTokenResp
	if err := unmarshalExact("negTokenResp", outer.Bytes, &resp); err != nil {
		return 0, nil, nil, err
	}
	if len(resp.ResponseToken) > 0 {
		if _, msg, err = unwrapGSS(resp.ResponseToken); err != nil {
			return 0, nil, nil, decodeErr("response token", err)
		}
	}
	return int(resp.NegState), resp.SupportedMech, msg, nil
}
