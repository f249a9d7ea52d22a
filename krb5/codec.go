package krb5

import (
	"encoding/asn1"
	"errors"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
)

// Message is one of the top level Kerberos messages the codec knows:
// *ASReq, *TGSReq, *ASRep, *TGSRep, *APReq, *APRep and *KRBError.
// KRB-SAFE, KRB-PRIV and KRB-CRED decode as *OtherMessage.
type Message interface {
	MessageType() int
	isMessage()
}

func (*ASReq) MessageType() int    { return msgtype.KRB_AS_REQ }
func (*TGSReq) MessageType() int   { return msgtype.KRB_TGS_REQ }
func (*ASRep) MessageType() int    { return msgtype.KRB_AS_REP }
func (*TGSRep) MessageType() int   { return msgtype.KRB_TGS_REP }
func (*APReq) MessageType() int    { return msgtype.KRB_AP_REQ }
func (*APRep) MessageType() int    { return msgtype.KRB_AP_REP }
func (*KRBError) MessageType() int { return msgtype.KRB_ERROR }

func (*ASReq) isMessage()    {}
func (*TGSReq) isMessage()   {}
func (*ASRep) isMessage()    {}
func (*TGSRep) isMessage()   {}
func (*APReq) isMessage()    {}
func (*APRep) isMessage()    {}
func (*KRBError) isMessage() {}

// OtherMessage is a well formed KRB-SAFE, KRB-PRIV or KRB-CRED. Only
// the envelope is checked; Body holds the undecoded SEQUENCE.
type OtherMessage struct {
	Type int
	Body []byte
}

func (m *OtherMessage) MessageType() int { return m.Type }
func (*OtherMessage) isMessage()         {}

type envelope struct {
	PVNO    int `asn1:"explicit,tag:0"`
	MsgType int `asn1:"explicit,tag:1"`
}

func decodeOther(b []byte, tag int) (*OtherMessage, error) {
	var env envelope
	// Fields after msg-type are left to the caller.
	if _, err := asn1.Unmarshal(b, &env); err != nil {
		return nil, decodeErr("message envelope", err)
	}
	if env.MsgType != tag {
		return nil, decodeErr("message envelope", fmt.Errorf("msg-type %d under APPLICATION %d", env.MsgType, tag))
	}
	return &OtherMessage{Type: tag, Body: b}, nil
}

// Codec turns bytes into messages and back.
type Codec interface {
	Decode(b []byte) (Message, error)
	Encode(m Message) ([]byte, error)
	// EncodingLength reports len(Encode(m)) so a caller can size a buffer.
	EncodingLength(m Message) (int, error)
}

// ErrDecode is matched by every *DecodeError.
var ErrDecode = errors.New("krb5: decode")

// DecodeError reports malformed or truncated input.
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "krb5: decode " + e.What
	}
	return fmt.Sprintf("krb5: decode %s: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error        { return e.Err }
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

func decodeErr(what string, err error) error {
	return &DecodeError{What: what, Err: err}
}

// DERCodec is the ASN.1 DER codec of RFC 4120.
type DERCodec struct{}

var _ Codec = DERCodec{}

// Decode parses one complete message. Trailing bytes are an error.
func (DERCodec) Decode(b []byte) (m Message, err error) {
	// Untrusted input: a panic below becomes a DecodeError.
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, decodeErr("message", fmt.Errorf("%v", r))
		}
	}()
	inner, tag, err := unwrapApp(b)
	if err != nil {
		return nil, err
	}
	switch tag {
	case msgtype.KRB_AS_REQ:
		r := &ASReq{}
		m, err = r, decodeKDCReq(inner, tag, &r.KDCReq)
	case msgtype.KRB_TGS_REQ:
		r := &TGSReq{}
		m, err = r, decodeKDCReq(inner, tag, &r.KDCReq)
	case msgtype.KRB_AS_REP:
		r := &ASRep{}
		m, err = r, decodeKDCRep(inner, tag, &r.KDCRep)
	case msgtype.KRB_TGS_REP:
		r := &TGSRep{}
		m, err = r, decodeKDCRep(inner, tag, &r.KDCRep)
	case msgtype.KRB_AP_REQ:
		r := &APReq{}
		m, err = r, decodeAPReq(inner, r)
	case msgtype.KRB_AP_REP:
		r := &APRep{}
		m, err = r, unmarshalExact("AP-REP", inner, r)
	case msgtype.KRB_ERROR:
		r := &KRBError{}
		m, err = r, unmarshalExact("KRB-ERROR", inner, r)
	case msgtype.KRB_SAFE, msgtype.KRB_PRIV, msgtype.KRB_CRED:
		m, err = decodeOther(inner, tag)
	default:
		err = decodeErr("message", fmt.Errorf("unknown APPLICATION tag %d", tag))
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Encode serializes m.
func (DERCodec) Encode(m Message) ([]byte, error) {
	switch m := m.(type) {
	case *ASReq:
		return encodeKDCReq(&m.KDCReq, msgtype.KRB_AS_REQ)
	case *TGSReq:
		return encodeKDCReq(&m.KDCReq, msgtype.KRB_TGS_REQ)
	case *ASRep:
		return encodeKDCRep(&m.KDCRep, msgtype.KRB_AS_REP)
	case *TGSRep:
		return encodeKDCRep(&m.KDCRep, msgtype.KRB_TGS_REP)
	case *APReq:
		return encodeAPReq(m)
	case *APRep:
		return encodeAPRep(m)
	case *KRBError:
		return encodeKRBError(m)
	case *OtherMessage:
		if m.Type != msgtype.KRB_SAFE && m.Type != msgtype.KRB_PRIV && m.Type != msgtype.KRB_CRED {
			return nil, fmt.Errorf("krb5: encode message type %d", m.Type)
		}
		return asn1.Marshal(asn1.RawValue{Class: asn1.ClassApplication, Tag: m.Type, IsCompound: true, Bytes: m.Body})
	case nil:
		return nil, fmt.Errorf("krb5: encode nil message")
	}
	return nil, fmt.Errorf("krb5: encode %T: unsupported message", m)
}

// EncodingLength returns the exact size of the DER encoding of m.
func (c DERCodec) EncodingLength(m Message) (int, error) {
	b, err := c.Encode(m)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// MessageType peeks at the APPLICATION tag of b.
func MessageType(b []byte) (int, error) {
	_, tag, err := unwrapApp(b)
	return tag, err
}

func unwrapApp(b []byte) ([]byte, int, error) {
	var raw asn1.RawValue
	rest, err := asn1.Unmarshal(b, &raw)
	if err != nil {
		return nil, 0, decodeErr("APPLICATION tag", err)
	}
	if len(rest) > 0 {
		return nil, 0, decodeErr("APPLICATION tag", fmt.Errorf("%d trailing bytes", len(rest)))
	}
	if raw.Class != asn1.ClassApplication || !raw.IsCompound {
		return nil, 0, decodeErr("APPLICATION tag", fmt.Errorf("class %d tag %d is not an APPLICATION construct", raw.Class, raw.Tag))
	}
	return raw.Bytes, raw.Tag, nil
}

func unmarshalExact(what string, b []byte, v any) error {
	rest, err := asn1.Unmarshal(b, v)
	if err != nil {
		return decodeErr(what, err)
	}
	if len(rest) > 0 {
		return decodeErr(what, fmt.Errorf("%d trailing bytes", len(rest)))
	}
	return nil
}

// unmarshalApp decodes an APPLICATION tagged structure into v.
func unmarshalApp(what string, b []byte, tag int, v any) error {
	inner, got, err := unwrapApp(b)
	if err != nil {
		return err
	}
	if got != tag {
		return decodeErr(what, fmt.Errorf("APPLICATION tag %d, want %d", got, tag))
	}
	return unmarshalExact(what, inner, v)
}

func decodeKDCReq(b []byte, tag int, r *KDCReq) error {
	if err := unmarshalExact("KDC-REQ", b, r); err != nil {
		return err
	}
	if r.MsgType != tag {
		return decodeErr("KDC-REQ", fmt.Errorf("msg-type %d under APPLICATION %d", r.MsgType, tag))
	}
	return nil
}

type kdcRepWire struct {
	PVNO    int           `asn1:"explicit,tag:0"`
	MsgType int           `asn1:"explicit,tag:1"`
	PAData  []PAData      `asn1:"optional,explicit,tag:2"`
	CRealm  string        `asn1:"general,explicit,tag:3"`
	CName   PrincipalName `asn1:"explicit,tag:4"`
	Ticket  asn1.RawValue `asn1:"explicit,tag:5"`
	EncPart EncryptedData `asn1:"explicit,tag:6"`
}

func decodeKDCRep(b []byte, tag int, r *KDCRep) error {
	var w kdcRepWire
	if err := unmarshalExact("KDC-REP", b, &w); err != nil {
		return err
	}
	if w.MsgType != tag {
		return decodeErr("KDC-REP", fmt.Errorf("msg-type %d under APPLICATION %d", w.MsgType, tag))
	}
	if err := r.Ticket.Unmarshal(w.Ticket.Bytes); err != nil {
		return err
	}
	r.PVNO, r.MsgType, r.PAData = w.PVNO, w.MsgType, w.PAData
	r.CRealm, r.CName, r.EncPart = w.CRealm, w.CName, w.EncPart
	return nil
}

type apReqWire struct {
	PVNO          int            `asn1:"explicit,tag:0"`
	MsgType       int            `asn1:"explicit,tag:1"`
	APOptions     asn1.BitString `asn1:"explicit,tag:2"`
	Ticket        asn1.RawValue  `asn1:"explicit,tag:3"`
	Authenticator EncryptedData  `asn1:"explicit,tag:4"`
}

func decodeAPReq(b []byte, r *APReq) error {
	var w apReqWire
	if err := unmarshalExact("AP-REQ", b, &w); err != nil {
		return err
	}
	if err := r.Ticket.Unmarshal(w.Ticket.Bytes); err != nil {
		return err
	}
	r.PVNO, r.MsgType, r.APOptions, r.Authenticator = w.PVNO, w.MsgType, w.APOptions, w.Authenticator
	return nil
}

func encodeKDCReq(r *KDCReq, tag int) ([]byte, error) {
	var f fields
	f.int(1, PVNO)
	f.int(2, int64(tag))
	if len(r.PAData) > 0 {
		f.value(3, r.PAData)
	}
	body, err := r.ReqBody.Marshal()
	if err != nil {
		return nil, err
	}
	f.raw(4, body)
	return f.app(tag)
}

// Marshal encodes the request body. The TGS exchange checksums these bytes.
func (b *KDCReqBody) Marshal() ([]byte, error) {
	var f fields
	f.value(0, b.KDCOptions)
	f.optName(1, b.CName)
	f.optStr(2, b.Realm)
	f.optName(3, b.SName)
	f.optTime(4, b.From)
	f.time(5, b.Till)
	f.optTime(6, b.RTime)
	f.int(7, b.Nonce)
	f.value(8, b.EType)
	if len(b.Addresses) > 0 {
		f.value(9, b.Addresses)
	}
	if len(b.EncAuthz.Cipher) > 0 {
		f.value(10, b.EncAuthz)
	}
	if len(b.AddlTkts) > 0 {
		f.value(11, b.AddlTkts)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.seq(), nil
}

func encodeKDCRep(r *KDCRep, tag int) ([]byte, error) {
	tkt, err := r.Ticket.Marshal()
	if err != nil {
		return nil, err
	}
	var f fields
	f.int(0, PVNO)
	f.int(1, int64(tag))
	if len(r.PAData) > 0 {
		f.value(2, r.PAData)
	}
	f.str(3, r.CRealm)
	f.name(4, r.CName)
	f.raw(5, tkt)
	f.value(6, r.EncPart)
	return f.app(tag)
}

func encodeAPReq(r *APReq) ([]byte, error) {
	tkt, err := r.Ticket.Marshal()
	if err != nil {
		return nil, err
	}
	opts := r.APOptions
	if opts.BitLength == 0 {
		opts = NewFlags()
	}
	var f fields
	f.int(0, PVNO)
	f.int(1, msgtype.KRB_AP_REQ)
	f.value(2, opts)
	f.raw(3, tkt)
	f.value(4, r.Authenticator)
	return f.app(msgtype.KRB_AP_REQ)
}

func encodeAPRep(r *APRep) ([]byte, error) {
	var f fields
	f.int(0, PVNO)
	f.int(1, msgtype.KRB_AP_REP)
	f.value(2, r.EncPart)
	return f.app(msgtype.KRB_AP_REP)
}

func encodeKRBError(e *KRBError) ([]byte, error) {
	var f fields
	f.int(0, PVNO)
	f.int(1, msgtype.KRB_ERROR)
	if !e.CTime.IsZero() {
		f.time(2, e.CTime)
		f.int(3, int64(e.CUSec))
	}
	f.time(4, e.STime)
	f.int(5, int64(e.SUSec))
	f.int(6, int64(e.ErrorCode))
	f.optStr(7, e.CRealm)
	f.optName(8, e.CName)
	f.str(9, e.Realm)
	f.name(10, e.SName)
	f.optStr(11, e.EText)
	if len(e.EData) > 0 {
		f.value(12, e.EData)
	}
	return f.app(msgtype.KRB_ERROR)
}

// Marshal encodes the ticket as APPLICATION 1.
func (t *Ticket) Marshal() ([]byte, error) {
	var f fields
	f.int(0, PVNO)
	f.str(1, t.Realm)
	f.name(2, t.SName)
	f.value(3, t.EncPart)
	return f.app(appTagTicket)
}

func (t *Ticket) Unmarshal(b []byte) error {
	return unmarshalApp("Ticket", b, appTagTicket, t)
}

// Marshal encodes the ticket plaintext as APPLICATION 3.
func (e *EncTicketPart) Marshal() ([]byte, error) {
	var f fields
	f.value(0, e.Flags)
	f.value(1, e.Key)
	f.str(2, e.CRealm)
	f.name(3, e.CName)
	f.value(4, e.Transited)
	f.time(5, e.AuthTime)
	f.optTime(6, e.StartTime)
	f.time(7, e.EndTime)
	f.optTime(8, e.RenewTill)
	if len(e.CAddr) > 0 {
		f.value(9, e.CAddr)
	}
	if len(e.AuthData) > 0 {
		f.value(10, e.AuthData)
	}
	return f.app(appTagEncTicketPart)
}

func (e *EncTicketPart) Unmarshal(b []byte) error {
	return unmarshalApp("EncTicketPart", b, appTagEncTicketPart, e)
}

// Marshal encodes the reply plaintext under the APPLICATION tag of the
// reply it belongs to: 25 for AS-REP, 26 for TGS-REP.
func (e *EncKDCRepPart) Marshal(msgType int) ([]byte, error) {
	tag := appTagEncASRepPart
	if msgType == msgtype.KRB_TGS_REP {
		tag = appTagEncTGSRepPart
	}
	lr := make([][]byte, 0, len(e.LastReq))
	for _, l := range e.LastReq {
		var lf fields
		lf.int(0, int64(l.LRType))
		lf.time(1, l.LRValue)
		lr = append(lr, lf.seq())
	}
	var f fields
	f.value(0, e.Key)
	f.raw(1, seqOf(lr))
	f.int(2, e.Nonce)
	f.optTime(3, e.KeyExp)
	f.value(4, e.Flags)
	f.time(5, e.AuthTime)
	f.optTime(6, e.StartTime)
	f.time(7, e.EndTime)
	f.optTime(8, e.RenewTill)
	f.str(9, e.SRealm)
	f.name(10, e.SName)
	if len(e.CAddr) > 0 {
		f.value(11, e.CAddr)
	}
	return f.app(tag)
}

// Unmarshal accepts either APPLICATION tag; some implementations send 26
// in AS-REP.
func (e *EncKDCRepPart) Unmarshal(b []byte) error {
	inner, tag, err := unwrapApp(b)
	if err != nil {
		return err
	}
	if tag != appTagEncASRepPart && tag != appTagEncTGSRepPart {
		return decodeErr("EncKDCRepPart", fmt.Errorf("APPLICATION tag %d", tag))
	}
	return unmarshalExact("EncKDCRepPart", inner, e)
}

// Marshal encodes the authenticator as APPLICATION 2.
func (a *Authenticator) Marshal() ([]byte, error) {
	var f fields
	f.int(0, PVNO)
	f.str(1, a.CRealm)
	f.name(2, a.CName)
	if a.Cksum.CksumType != 0 || len(a.Cksum.Checksum) > 0 {
		f.value(3, a.Cksum)
	}
	f.int(4, int64(a.CUSec))
	f.time(5, a.CTime)
	if len(a.SubKey.KeyValue) > 0 {
		f.value(6, a.SubKey)
	}
	if a.SeqNumber != 0 {
		f.int(7, a.SeqNumber)
	}
	if len(a.AuthData) > 0 {
		f.value(8, a.AuthData)
	}
	return f.app(appTagAuthenticator)
}

func (a *Authenticator) Unmarshal(b []byte) error {
	return unmarshalApp("Authenticator", b, appTagAuthenticator, a)
}

// Marshal encodes the AP-REP plaintext as APPLICATION 27.
func (e *EncAPRepPart) Marshal() ([]byte, error) {
	var f fields
	f.time(0, e.CTime)
	f.int(1, int64(e.CUSec))
	if len(e.SubKey.KeyValue) > 0 {
		f.value(2, e.SubKey)
	}
	if e.SeqNumber != 0 {
		f.int(3, e.SeqNumber)
	}
	return f.app(appTagEncAPRepPart)
}

func (e *EncAPRepPart) Unmarshal(b []byte) error {
	return unmarshalApp("EncAPRepPart", b, appTagEncAPRepPart, e)
}

func (p *PAEncTSEnc) Marshal() ([]byte, error) {
	var f fields
	f.time(0, p.PATimestamp)
	if p.PAUSec != 0 {
		f.int(1, int64(p.PAUSec))
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.seq(), nil
}

func (p *PAEncTSEnc) Unmarshal(b []byte) error {
	return unmarshalExact("PA-ENC-TS-ENC", b, p)
}

// MarshalETypeInfo2 encodes a PA-ETYPE-INFO2 value.
func MarshalETypeInfo2(entries []ETypeInfo2Entry) ([]byte, error) {
	items := make([][]byte, 0, len(entries))
	for _, e := range entries {
		var f fields
		f.int(0, int64(e.EType))
		f.optStr(1, e.Salt)
		if len(e.S2KParams) > 0 {
			f.value(2, e.S2KParams)
		}
		if f.err != nil {
			return nil, f.err
		}
		items = append(items, f.seq())
	}
	return seqOf(items), nil
}

func UnmarshalETypeInfo2(b []byte) ([]ETypeInfo2Entry, error) {
	var out []ETypeInfo2Entry
	if err := unmarshalExact("ETYPE-INFO2", b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarshalMethodData encodes METHOD-DATA, the e-data of
// KDC_ERR_PREAUTH_REQUIRED.
func MarshalMethodData(pa []PAData) ([]byte, error) {
	if pa == nil {
		pa = []PAData{}
	}
	return asn1.Marshal(pa)
}

func UnmarshalMethodData(b []byte) ([]PAData, error) {
	var out []PAData
	if err := unmarshalExact("METHOD-DATA", b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Marshal encodes the bare EncryptedData, as carried in PA-ENC-TIMESTAMP.
func (e *EncryptedData) Marshal() ([]byte, error) {
	return asn1.Marshal(*e)
}

func (e *EncryptedData) Unmarshal(b []byte) error {
	return unmarshalExact("EncryptedData", b, e)
}
