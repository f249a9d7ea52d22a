// Package krb5 holds the Kerberos 5 wire types used by the KDC, the DER
// codec that moves them on and off the network, and the RFC 3962
// aes-cts-hmac-sha1-96 crypto profile.
//
// Numeric constants (message types, error codes, name types, key usages)
// come from the gokrb5 iana packages so that the values used here always
// agree with the reference client library.
package krb5

import (
	"encoding/asn1"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
)

// PVNO is the Kerberos protocol version number (RFC 4120).
const PVNO = 5

// APPLICATION tags of the non-message structures.
const (
	appTagTicket        = 1
	appTagAuthenticator = 2
	appTagEncTicketPart = 3
	appTagEncASRepPart  = 25
	appTagEncTGSRepPart = 26
	appTagEncAPRepPart  = 27
)

// Flag bits in KDCOptions, TicketFlags and APOptions, numbered from the
// most significant bit as in RFC 4120 5.2.8.
const (
	FlagForwardable = 1
	FlagRenewable   = 8
	FlagInitial     = 9
	FlagPreAuthent  = 10

	APOptionMutualRequired = 2
)

// NewFlags returns a 32 bit KerberosFlags value with the given bits set.
func NewFlags(bits ...int) asn1.BitString {
	b := asn1.BitString{Bytes: make([]byte, 4), BitLength: 32}
	for _, n := range bits {
		if n >= 0 && n < 32 {
			b.Bytes[n/8] |= 0x80 >> uint(n%8)
		}
	}
	return b
}

// FlagSet reports whether bit n of a KerberosFlags value is set.
func FlagSet(b asn1.BitString, n int) bool {
	if n < 0 || n >= b.BitLength {
		return false
	}
	return b.At(n) == 1
}

// EncryptedData is ciphertext tagged with its enctype and, for long-term
// keys, the key version number.
type EncryptedData struct {
	EType  int32  `asn1:"explicit,tag:0"`
	KVNO   int    `asn1:"optional,explicit,tag:1"`
	Cipher []byte `asn1:"explicit,tag:2"`
}

// EncryptionKey is raw key material of one enctype.
type EncryptionKey struct {
	KeyType  int32  `asn1:"explicit,tag:0"`
	KeyValue []byte `asn1:"explicit,tag:1"`
}

// Ticket is a Kerberos ticket. On the wire it is APPLICATION 1.
type Ticket struct {
	TktVNO  int           `asn1:"explicit,tag:0"`
	Realm   string        `asn1:"general,explicit,tag:1"`
	SName   PrincipalName `asn1:"explicit,tag:2"`
	EncPart EncryptedData `asn1:"explicit,tag:3"`
}

type EncTicketPart struct {
	Flags     asn1.BitString      `asn1:"explicit,tag:0"`
	Key       EncryptionKey       `asn1:"explicit,tag:1"`
	CRealm    string              `asn1:"general,explicit,tag:2"`
	CName     PrincipalName       `asn1:"explicit,tag:3"`
	Transited TransitedEncoding   `asn1:"explicit,tag:4"`
	AuthTime  time.Time           `asn1:"generalized,explicit,tag:5"`
	StartTime time.Time           `asn1:"generalized,optional,explicit,tag:6"`
	EndTime   time.Time           `asn1:"generalized,explicit,tag:7"`
	RenewTill time.Time           `asn1:"generalized,optional,explicit,tag:8"`
	CAddr     []HostAddress       `asn1:"optional,explicit,tag:9"`
	AuthData  []AuthorizationData `asn1:"optional,explicit,tag:10"`
}

type TransitedEncoding struct {
	TRType   int32  `asn1:"explicit,tag:0"`
	Contents []byte `asn1:"explicit,tag:1"`
}

type HostAddress struct {
	AddrType int32  `asn1:"explicit,tag:0"`
	Address  []byte `asn1:"explicit,tag:1"`
}

type AuthorizationData struct {
	ADType int32  `asn1:"explicit,tag:0"`
	ADData []byte `asn1:"explicit,tag:1"`
}

// KDCReqBody is the body shared by AS-REQ and TGS-REQ. Realm is optional on
// decode so a request that omits it can still be routed on its client name.
type KDCReqBody struct {
	KDCOptions asn1.BitString  `asn1:"explicit,tag:0"`
	CName      PrincipalName   `asn1:"optional,explicit,tag:1"`
	Realm      string          `asn1:"general,optional,explicit,tag:2"`
	SName      PrincipalName   `asn1:"optional,explicit,tag:3"`
	From       time.Time       `asn1:"generalized,optional,explicit,tag:4"`
	Till       time.Time       `asn1:"generalized,explicit,tag:5"`
	RTime      time.Time       `asn1:"generalized,optional,explicit,tag:6"`
	Nonce      int64           `asn1:"explicit,tag:7"`
	EType      []int32         `asn1:"explicit,tag:8"`
	Addresses  []HostAddress   `asn1:"optional,explicit,tag:9"`
	EncAuthz   EncryptedData   `asn1:"optional,explicit,tag:10"`
	AddlTkts   []asn1.RawValue `asn1:"optional,explicit,tag:11"`
}

// ClientPrincipal returns the realm-qualified client of the request. The
// body realm wins; an enterprise name of the form user@REALM supplies the
// realm when the body has none.
func (b *KDCReqBody) ClientPrincipal() (Principal, bool) {
	if len(b.CName.NameString) == 0 {
		return Principal{}, false
	}
	p := Principal{Name: b.CName, Realm: b.Realm}
	if p.Realm == "" {
		p.Realm = b.CName.EnterpriseRealm()
	}
	return p, p.Realm != ""
}

type PAData struct {
	PADataType  int32  `asn1:"explicit,tag:1"`
	PADataValue []byte `asn1:"explicit,tag:2"`
}

// KDCReq is the common shape of AS-REQ and TGS-REQ.
type KDCReq struct {
	PVNO    int        `asn1:"explicit,tag:1"`
	MsgType int        `asn1:"explicit,tag:2"`
	PAData  []PAData   `asn1:"optional,explicit,tag:3"`
	ReqBody KDCReqBody `asn1:"explicit,tag:4"`
}

// FindPAData returns the first padata entry of the given type.
func (r *KDCReq) FindPAData(typ int32) (PAData, bool) {
	for _, pa := range r.PAData {
		if pa.PADataType == typ {
			return pa, true
		}
	}
	return PAData{}, false
}

type ASReq struct{ KDCReq }

type TGSReq struct{ KDCReq }

// KDCRep is the common shape of AS-REP and TGS-REP.
type KDCRep struct {
	PVNO    int
	MsgType int
	PAData  []PAData
	CRealm  string
	CName   PrincipalName
	Ticket  Ticket
	EncPart EncryptedData
}

type ASRep struct{ KDCRep }

type TGSRep struct{ KDCRep }

// EncKDCRepPart is the encrypted part of AS-REP and TGS-REP.
type EncKDCRepPart struct {
	Key       EncryptionKey  `asn1:"explicit,tag:0"`
	LastReq   []LastReq      `asn1:"explicit,tag:1"`
	Nonce     int64          `asn1:"explicit,tag:2"`
	KeyExp    time.Time      `asn1:"generalized,optional,explicit,tag:3"`
	Flags     asn1.BitString `asn1:"explicit,tag:4"`
	AuthTime  time.Time      `asn1:"generalized,explicit,tag:5"`
	StartTime time.Time      `asn1:"generalized,optional,explicit,tag:6"`
	EndTime   time.Time      `asn1:"generalized,explicit,tag:7"`
	RenewTill time.Time      `asn1:"generalized,optional,explicit,tag:8"`
	SRealm    string         `asn1:"general,explicit,tag:9"`
	SName     PrincipalName  `asn1:"explicit,tag:10"`
	CAddr     []HostAddress  `asn1:"optional,explicit,tag:11"`
}

type LastReq struct {
	LRType  int32     `asn1:"explicit,tag:0"`
	LRValue time.Time `asn1:"generalized,explicit,tag:1"`
}

type KRBError struct {
	PVNO      int           `asn1:"explicit,tag:0"`
	MsgType   int           `asn1:"explicit,tag:1"`
	CTime     time.Time     `asn1:"generalized,optional,explicit,tag:2"`
	CUSec     int           `asn1:"optional,explicit,tag:3"`
	STime     time.Time     `asn1:"generalized,explicit,tag:4"`
	SUSec     int           `asn1:"explicit,tag:5"`
	ErrorCode int32         `asn1:"explicit,tag:6"`
	CRealm    string        `asn1:"general,optional,explicit,tag:7"`
	CName     PrincipalName `asn1:"optional,explicit,tag:8"`
	Realm     string        `asn1:"general,explicit,tag:9"`
	SName     PrincipalName `asn1:"explicit,tag:10"`
	EText     string        `asn1:"general,optional,explicit,tag:11"`
	EData     []byte        `asn1:"optional,explicit,tag:12"`
}

// NewKRBError builds an error reply stamped with the current time.
func NewKRBError(realm string, sname PrincipalName, code int32, text string) *KRBError {
	now := time.Now().UTC()
	return &KRBError{
		PVNO:      PVNO,
		MsgType:   msgtype.KRB_ERROR,
		STime:     now.Truncate(time.Second),
		SUSec:     now.Nanosecond() / 1000,
		ErrorCode: code,
		Realm:     realm,
		SName:     sname,
		EText:     text,
	}
}

type APReq struct {
	PVNO          int
	MsgType       int
	APOptions     asn1.BitString
	Ticket        Ticket
	Authenticator EncryptedData
}

type Authenticator struct {
	AVNO      int                 `asn1:"explicit,tag:0"`
	CRealm    string              `asn1:"general,explicit,tag:1"`
	CName     PrincipalName       `asn1:"explicit,tag:2"`
	Cksum     Checksum            `asn1:"optional,explicit,tag:3"`
	CUSec     int                 `asn1:"explicit,tag:4"`
	CTime     time.Time           `asn1:"generalized,explicit,tag:5"`
	SubKey    EncryptionKey       `asn1:"optional,explicit,tag:6"`
	SeqNumber int64               `asn1:"optional,explicit,tag:7"`
	AuthData  []AuthorizationData `asn1:"optional,explicit,tag:8"`
}

type Checksum struct {
	CksumType int32  `asn1:"explicit,tag:0"`
	Checksum  []byte `asn1:"explicit,tag:1"`
}

type APRep struct {
	PVNO    int           `asn1:"explicit,tag:0"`
	MsgType int           `asn1:"explicit,tag:1"`
	EncPart EncryptedData `asn1:"explicit,tag:2"`
}

type EncAPRepPart struct {
	CTime     time.Time     `asn1:"generalized,explicit,tag:0"`
	CUSec     int           `asn1:"explicit,tag:1"`
	SubKey    EncryptionKey `asn1:"optional,explicit,tag:2"`
	SeqNumber int64         `asn1:"optional,explicit,tag:3"`
}

// PAEncTSEnc is the plaintext of PA-ENC-TIMESTAMP.
type PAEncTSEnc struct {
	PATimestamp time.Time `asn1:"generalized,explicit,tag:0"`
	PAUSec      int       `asn1:"optional,explicit,tag:1"`
}

type ETypeInfo2Entry struct {
	EType     int32  `asn1:"explicit,tag:0"`
	Salt      string `asn1:"general,optional,explicit,tag:1"`
	S2KParams []byte `asn1:"optional,explicit,tag:2"`
}
