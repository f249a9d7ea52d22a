package acceptor

import (
	"errors"
	"fmt"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"

	"github.com/kardianos/gokdc/keystore"
	"github.com/kardianos/gokdc/krb5"
)

// DefaultMaxSkew is the clock skew tolerated when no other is configured.
const DefaultMaxSkew = 5 * time.Minute

// Error is a rejected AP-REQ. Code is the Kerberos error code to put in a
// KRB-ERROR reply.
type Error struct {
	Code int32
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("acceptor: %s: %v", errorcode.Lookup(e.Code), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func apErr(code int32, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// Authenticator validates AP-REQs addressed to the principal of its
// credential.
type Authenticator struct {
	Credential *Credential

	// MaxSkew defaults to DefaultMaxSkew.
	MaxSkew time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// Result is an accepted AP-REQ.
type Result struct {
	Client        krb5.Principal
	Ticket        krb5.EncTicketPart
	Authenticator krb5.Authenticator

	// SessionKey is the authenticator subkey when the client sent one,
	// otherwise the ticket session key.
	SessionKey krb5.EncryptionKey

	// APRep is the encoded AP-REP when the client asked for mutual
	// authentication.
	APRep []byte
}

// ValidateAPReq decodes and verifies an application AP-REQ.
func (a *Authenticator) ValidateAPReq(b []byte) (*Result, error) {
	m, err := krb5.DERCodec{}.Decode(b)
	if err != nil {
		return nil, &Error{Code: errorcode.KRB_AP_ERR_MSG_TYPE, Err: err}
	}
	req, ok := m.(*krb5.APReq)
	if !ok {
		return nil, apErr(errorcode.KRB_AP_ERR_MSG_TYPE, "got message type %d", m.MessageType())
	}
	return a.Verify(req, keyusage.AP_REQ_AUTHENTICATOR)
}

// Verify checks req. usage is the key usage of the authenticator: 11 for
// an application request, 7 inside a TGS-REQ.
func (a *Authenticator) Verify(req *krb5.APReq, usage uint32) (*Result, error) {
	if req.PVNO != krb5.PVNO {
		return nil, apErr(errorcode.KRB_AP_ERR_BADVERSION, "pvno %d", req.PVNO)
	}
	if req.MsgType != msgtype.KRB_AP_REQ {
		return nil, apErr(errorcode.KRB_AP_ERR_MSG_TYPE, "msg-type %d", req.MsgType)
	}
	cred := a.Credential
	tkt := req.Ticket
	want := cred.Name()
	if tkt.Realm != want.Realm || !tkt.SName.SameName(want.Name) {
		return nil, apErr(errorcode.KRB_AP_ERR_NOT_US, "ticket for %s@%s, we are %s", tkt.SName, tkt.Realm, want)
	}

	kvno := tkt.EncPart.KVNO
	if kvno == 0 {
		kvno = keystore.AnyKVNO
	}
	key, err := cred.EncryptionKey(tkt.EncPart.EType, kvno)
	if err != nil {
		code := errorcode.KRB_AP_ERR_NOKEY
		if errors.Is(err, keystore.ErrNoMatchingKey) && kvno != keystore.AnyKVNO {
			code = errorcode.KRB_AP_ERR_BADKEYVER
		}
		return nil, &Error{Code: code, Err: err}
	}

	plain, err := krb5.Decrypt(key.EncryptionKey(), keyusage.KDC_REP_TICKET, tkt.EncPart)
	if err != nil {
		return nil, &Error{Code: errorcode.KRB_AP_ERR_BAD_INTEGRITY, Err: fmt.Errorf("decrypt ticket: %w", err)}
	}
	var et krb5.EncTicketPart
	if err := et.Unmarshal(plain); err != nil {
		return nil, &Error{Code: errorcode.KRB_AP_ERR_BAD_INTEGRITY, Err: err}
	}

	now := a.now()
	skew := a.maxSkew()
	if !et.StartTime.IsZero() && et.StartTime.After(now.Add(skew)) {
		return nil, apErr(errorcode.KRB_AP_ERR_TKT_NYV, "ticket valid from %v", et.StartTime)
	}
	if now.After(et.EndTime.Add(skew)) {
		return nil, apErr(errorcode.KRB_AP_ERR_TKT_EXPIRED, "ticket expired at %v", et.EndTime)
	}

	plain, err = krb5.Decrypt(et.Key, usage, req.Authenticator)
	if err != nil {
		return nil, &Error{Code: errorcode.KRB_AP_ERR_BAD_INTEGRITY, Err: fmt.Errorf("decrypt authenticator: %w", err)}
	}
	var auth krb5.Authenticator
	if err := auth.Unmarshal(plain); err != nil {
		return nil, &Error{Code: errorcode.KRB_AP_ERR_BAD_INTEGRITY, Err: err}
	}
	if auth.CRealm != et.CRealm || !auth.CName.SameName(et.CName) {
		return nil, apErr(errorcode.KRB_AP_ERR_BADMATCH, "authenticator for %s@%s, ticket for %s@%s", auth.CName, auth.CRealm, et.CName, et.CRealm)
	}
	if d := now.Sub(auth.CTime); d > skew || d < -skew {
		return nil, apErr(errorcode.KRB_AP_ERR_SKEW, "authenticator time %v is %v away", auth.CTime, d)
	}

	res := &Result{
		Client:        krb5.Principal{Name: et.CName, Realm: et.CRealm},
		Ticket:        et,
		Authenticator: auth,
		SessionKey:    et.Key,
	}
	if len(auth.SubKey.KeyValue) > 0 {
		res.SessionKey = auth.SubKey
	}
	if krb5.FlagSet(req.APOptions, krb5.APOptionMutualRequired) {
		res.APRep, err = buildAPRep(auth, et.Key)
		if err != nil {
			return nil, fmt.Errorf("acceptor: build AP-REP: %w", err)
		}
	}
	return res, nil
}

func buildAPRep(auth krb5.Authenticator, sessionKey krb5.EncryptionKey) ([]byte, error) {
	part := krb5.EncAPRepPart{
		CTime:  auth.CTime,
		CUSec:  auth.CUSec,
		SubKey: auth.SubKey,
	}
	plain, err := part.Marshal()
	if err != nil {
		return nil, err
	}
	enc, err := krb5.Encrypt(sessionKey, keyusage.AP_REP_ENCPART, plain, 0)
	if err != nil {
		return nil, err
	}
	return krb5.DERCodec{}.Encode(&krb5.APRep{
		PVNO:    krb5.PVNO,
		MsgType: msgtype.KRB_AP_REP,
		EncPart: enc,
	})
}

func (a *Authenticator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Authenticator) maxSkew() time.Duration {
	if a.MaxSkew > 0 {
		return a.MaxSkew
	}
	return DefaultMaxSkew
}
