// Package client is a small Kerberos client: it obtains a TGT with
// encrypted timestamp pre-authentication, exchanges it for service tickets
// and builds AP-REQs. kdcd uses it for its probe command.
package client

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/jcmturner/gokrb5/v8/iana/patype"

	"github.com/kardianos/gokdc/krb5"
)

// Config configures a Client.
type Config struct {
	// KDC is the host:port of the KDC.
	KDC string

	// Transport is "tcp" (default) or "udp".
	Transport string

	// Timeout bounds one round trip (default 5s).
	Timeout time.Duration

	// Lifetime is the ticket lifetime asked for (default 10h).
	Lifetime time.Duration

	// ETypes are offered in order of preference (default krb5.DefaultETypes).
	ETypes []int32

	// SubKey makes TGS-REQ authenticators carry a fresh sub-session key.
	SubKey bool

	// Send, when set, replaces the network round trip. It receives and
	// returns unframed messages.
	Send func(ctx context.Context, data []byte) ([]byte, error)

	Codec krb5.Codec
	Now   func() time.Time
}

// KDCError is a KRB-ERROR returned by the KDC.
type KDCError struct {
	*krb5.KRBError
}

func (e *KDCError) Error() string {
	if e.EText != "" {
		return fmt.Sprintf("client: %s: %s", errorcode.Lookup(e.ErrorCode), e.EText)
	}
	return "client: " + errorcode.Lookup(e.ErrorCode)
}

// Code returns the KRB-ERROR code of err, or 0 if err is not a *KDCError.
func Code(err error) int32 {
	var ke *KDCError
	if errors.As(err, &ke) {
		return ke.ErrorCode
	}
	return 0
}

// Ticket is an issued ticket with the session key that goes with it.
type Ticket struct {
	Ticket     krb5.Ticket
	SessionKey krb5.EncryptionKey
	// Part is the decrypted reply part: times, flags and server name.
	Part krb5.EncKDCRepPart
}

// EndTime is when the ticket expires.
func (t *Ticket) EndTime() time.Time { return t.Part.EndTime }

// Client holds the credentials of one principal and its TGT.
type Client struct {
	principal krb5.Principal
	password  string
	config    Config

	tgt *Ticket
}

func New(p krb5.Principal, password string, cfg Config) *Client {
	if cfg.Transport == "" {
		cfg.Transport = "tcp"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = 10 * time.Hour
	}
	if len(cfg.ETypes) == 0 {
		cfg.ETypes = krb5.DefaultETypes
	}
	if cfg.Codec == nil {
		cfg.Codec = krb5.DERCodec{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Client{principal: p, password: password, config: cfg}
}

// TGT returns the ticket granting ticket, obtaining it first if there is
// none or it has expired.
func (c *Client) TGT(ctx context.Context) (*Ticket, error) {
	if c.tgt == nil || !c.config.Now().Before(c.tgt.EndTime()) {
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
	}
	return c.tgt, nil
}

// Login runs the AS exchange for a TGT. The first request carries no
// pre-authentication; when the KDC asks for it the request is repeated
// with an encrypted timestamp under the salt the KDC names.
func (c *Client) Login(ctx context.Context) error {
	tgs := krb5.TGSName(c.principal.Realm)
	t, err := c.asExchange(ctx, tgs)
	if err != nil {
		return err
	}
	c.tgt = t
	return nil
}

// InitialTicket runs the AS exchange directly for sname.
func (c *Client) InitialTicket(ctx context.Context, sname krb5.PrincipalName) (*Ticket, error) {
	return c.asExchange(ctx, sname)
}

func (c *Client) asExchange(ctx context.Context, sname krb5.PrincipalName) (*Ticket, error) {
	req, err := c.asReq(sname)
	if err != nil {
		return nil, err
	}
	rep, err := c.Exchange(ctx, req)
	var kerr *KDCError
	if errors.As(err, &kerr) && kerr.ErrorCode == errorcode.KDC_ERR_PREAUTH_REQUIRED {
		key, err := c.preauthKey(kerr.EData)
		if err != nil {
			return nil, err
		}
		if req, err = c.asReq(sname); err != nil {
			return nil, err
		}
		if err := addTimestamp(req, key, c.config.Now()); err != nil {
			return nil, err
		}
		if rep, err = c.Exchange(ctx, req); err != nil {
			return nil, err
		}
		return c.asTicket(rep, req, key)
	}
	if err != nil {
		return nil, err
	}
	// No pre-authentication was asked for, so the key is derived with the
	// default salt.
	as, ok := rep.(*krb5.ASRep)
	if !ok {
		return nil, fmt.Errorf("client: expected AS-REP, got message type %d", rep.MessageType())
	}
	key, err := krb5.StringToKey(as.EncPart.EType, c.password, c.principal.Salt(), 0)
	if err != nil {
		return nil, err
	}
	return c.asTicket(rep, req, key)
}

func (c *Client) asReq(sname krb5.PrincipalName) (*krb5.ASReq, error) {
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	return &krb5.ASReq{KDCReq: krb5.KDCReq{
		PVNO:    krb5.PVNO,
		MsgType: msgtype.KRB_AS_REQ,
		ReqBody: krb5.KDCReqBody{
			KDCOptions: krb5.NewFlags(krb5.FlagForwardable),
			CName:      c.principal.Name,
			Realm:      c.principal.Realm,
			SName:      sname,
			Till:       c.config.Now().Add(c.config.Lifetime).UTC().Truncate(time.Second),
			Nonce:      nonce,
			EType:      c.config.ETypes,
		},
	}}, nil
}

// preauthKey derives the client key from the PA-ETYPE-INFO2 hint in the
// e-data of KDC_ERR_PREAUTH_REQUIRED.
func (c *Client) preauthKey(edata []byte) (krb5.EncryptionKey, error) {
	etype, salt, iter := c.config.ETypes[0], c.principal.Salt(), 0
	if len(edata) > 0 {
		pas, err := krb5.UnmarshalMethodData(edata)
		if err != nil {
			return krb5.EncryptionKey{}, fmt.Errorf("client: pre-authentication hints: %w", err)
		}
		for _, pa := range pas {
			if pa.PADataType != patype.PA_ETYPE_INFO2 {
				continue
			}
			info, err := krb5.UnmarshalETypeInfo2(pa.PADataValue)
			if err != nil {
				return krb5.EncryptionKey{}, fmt.Errorf("client: ETYPE-INFO2: %w", err)
			}
			if len(info) > 0 {
				etype = info[0].EType
				if info[0].Salt != "" {
					salt = info[0].Salt
				}
				if len(info[0].S2KParams) == 4 {
					iter = int(binary.BigEndian.Uint32(info[0].S2KParams))
				}
			}
		}
	}
	return krb5.StringToKey(etype, c.password, salt, iter)
}

func addTimestamp(req *krb5.ASReq, key krb5.EncryptionKey, now time.Time) error {
	now = now.UTC()
	ts := krb5.PAEncTSEnc{PATimestamp: now.Truncate(time.Second), PAUSec: now.Nanosecond() / 1000}
	plain, err := ts.Marshal()
	if err != nil {
		return err
	}
	ed, err := krb5.Encrypt(key, keyusage.AS_REQ_PA_ENC_TIMESTAMP, plain, 0)
	if err != nil {
		return err
	}
	b, err := ed.Marshal()
	if err != nil {
		return err
	}
	req.PAData = append(req.PAData, krb5.PAData{PADataType: patype.PA_ENC_TIMESTAMP, PADataValue: b})
	return nil
}

func (c *Client) asTicket(m krb5.Message, req *krb5.ASReq, key krb5.EncryptionKey) (*Ticket, error) {
	rep, ok := m.(*krb5.ASRep)
	if !ok {
		return nil, fmt.Errorf("client: expected AS-REP, got message type %d", m.MessageType())
	}
	return openReply(&rep.KDCRep, key, keyusage.AS_REP_ENCPART, req.ReqBody.Nonce)
}

// ServiceTicket runs the TGS exchange for sname using the TGT.
func (c *Client) ServiceTicket(ctx context.Context, sname krb5.PrincipalName) (*Ticket, error) {
	tgt, err := c.TGT(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: get TGT: %w", err)
	}
	var subkey krb5.EncryptionKey
	if c.config.SubKey {
		if subkey, err = krb5.RandomKey(tgt.SessionKey.KeyType); err != nil {
			return nil, err
		}
	}
	req, err := c.NewTGSReq(tgt, sname, subkey)
	if err != nil {
		return nil, err
	}
	nonce := req.ReqBody.Nonce
	m, err := c.Exchange(ctx, req)
	if err != nil {
		return nil, err
	}
	rep, ok := m.(*krb5.TGSRep)
	if !ok {
		return nil, fmt.Errorf("client: expected TGS-REP, got message type %d", m.MessageType())
	}
	if len(subkey.KeyValue) > 0 {
		return openReply(&rep.KDCRep, subkey, keyusage.TGS_REP_ENCPART_AUTHENTICATOR_SUB_KEY, nonce)
	}
	return openReply(&rep.KDCRep, tgt.SessionKey, keyusage.TGS_REP_ENCPART_SESSION_KEY, nonce)
}

// NewTGSReq builds a TGS-REQ for sname whose authenticator checksums the
// request body under the TGT session key. A non-empty subkey is sent in
// the authenticator.
func (c *Client) NewTGSReq(tgt *Ticket, sname krb5.PrincipalName, subkey krb5.EncryptionKey) (*krb5.TGSReq, error) {
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	body := krb5.KDCReqBody{
		KDCOptions: krb5.NewFlags(krb5.FlagForwardable),
		Realm:      c.principal.Realm,
		SName:      sname,
		Till:       c.config.Now().Add(c.config.Lifetime).UTC().Truncate(time.Second),
		Nonce:      nonce,
		EType:      c.config.ETypes,
	}
	b, err := body.Marshal()
	if err != nil {
		return nil, fmt.Errorf("client: marshal request body: %w", err)
	}
	cksum, err := krb5.MakeChecksum(tgt.SessionKey, keyusage.TGS_REQ_PA_TGS_REQ_AP_REQ_AUTHENTICATOR_CHKSUM, b)
	if err != nil {
		return nil, err
	}
	ap, err := c.apReq(tgt, keyusage.TGS_REQ_PA_TGS_REQ_AP_REQ_AUTHENTICATOR, false, subkey, cksum)
	if err != nil {
		return nil, err
	}
	apBytes, err := c.config.Codec.Encode(ap)
	if err != nil {
		return nil, fmt.Errorf("client: encode AP-REQ: %w", err)
	}
	return &krb5.TGSReq{KDCReq: krb5.KDCReq{
		PVNO:    krb5.PVNO,
		MsgType: msgtype.KRB_TGS_REQ,
		PAData:  []krb5.PAData{{PADataType: patype.PA_TGS_REQ, PADataValue: apBytes}},
		ReqBody: body,
	}}, nil
}

func openReply(rep *krb5.KDCRep, key krb5.EncryptionKey, usage uint32, nonce int64) (*Ticket, error) {
	plain, err := krb5.Decrypt(key, usage, rep.EncPart)
	if err != nil {
		return nil, fmt.Errorf("client: decrypt reply: %w", err)
	}
	var part krb5.EncKDCRepPart
	if err := part.Unmarshal(plain); err != nil {
		return nil, err
	}
	if part.Nonce != nonce {
		return nil, fmt.Errorf("client: reply nonce %d does not match request nonce %d", part.Nonce, nonce)
	}
	return &Ticket{Ticket: rep.Ticket, SessionKey: part.Key, Part: part}, nil
}

// APReq builds an AP-REQ for t, as sent to the service. mutual sets
// MUTUAL-REQUIRED.
func (c *Client) APReq(t *Ticket, mutual bool) (*krb5.APReq, error) {
	return c.apReq(t, keyusage.AP_REQ_AUTHENTICATOR, mutual, krb5.EncryptionKey{}, krb5.Checksum{})
}

// SPNEGOToken builds the initial SPNEGO token presenting t to its service,
// as used by HTTP Negotiate.
func (c *Client) SPNEGOToken(t *Ticket, mutual bool) ([]byte, error) {
	ap, err := c.APReq(t, mutual)
	if err != nil {
		return nil, err
	}
	b, err := c.config.Codec.Encode(ap)
	if err != nil {
		return nil, fmt.Errorf("client: encode AP-REQ: %w", err)
	}
	return krb5.NewSPNEGOInit(b)
}

func (c *Client) apReq(t *Ticket, usage uint32, mutual bool, subkey krb5.EncryptionKey, cksum krb5.Checksum) (*krb5.APReq, error) {
	now := c.config.Now().UTC()
	auth := krb5.Authenticator{
		AVNO:   krb5.PVNO,
		CRealm: c.principal.Realm,
		CName:  c.principal.Name,
		CUSec:  now.Nanosecond() / 1000,
		CTime:  now.Truncate(time.Second),
		Cksum:  cksum,
		SubKey: subkey,
	}
	plain, err := auth.Marshal()
	if err != nil {
		return nil, fmt.Errorf("client: marshal authenticator: %w", err)
	}
	enc, err := krb5.Encrypt(t.SessionKey, usage, plain, 0)
	if err != nil {
		return nil, fmt.Errorf("client: encrypt authenticator: %w", err)
	}
	var opts []int
	if mutual {
		opts = append(opts, krb5.APOptionMutualRequired)
	}
	return &krb5.APReq{
		PVNO:          krb5.PVNO,
		MsgType:       msgtype.KRB_AP_REQ,
		APOptions:     krb5.NewFlags(opts...),
		Ticket:        t.Ticket,
		Authenticator: enc,
	}, nil
}

// Exchange sends req to the KDC and decodes the answer. A KRB-ERROR answer
// is returned as a *KDCError.
func (c *Client) Exchange(ctx context.Context, req krb5.Message) (krb5.Message, error) {
	data, err := c.config.Codec.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("client: encode request: %w", err)
	}
	var resp []byte
	if c.config.Send != nil {
		resp, err = c.config.Send(ctx, data)
	} else {
		resp, err = RoundTrip(ctx, c.config.Transport, c.config.KDC, data, c.config.Timeout)
	}
	if err != nil {
		return nil, err
	}
	m, err := c.config.Codec.Decode(resp)
	if err != nil {
		return nil, fmt.Errorf("client: decode reply: %w", err)
	}
	if e, ok := m.(*krb5.KRBError); ok {
		return nil, &KDCError{KRBError: e}
	}
	return m, nil
}

// RoundTrip sends one encoded message and returns the reply without its
// transport framing. Over TCP both directions carry a 4 byte big-endian
// length prefix.
func RoundTrip(ctx context.Context, network, addr string, data []byte, timeout time.Duration) ([]byte, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("client: connect to KDC: %w", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)

	switch network {
	case "udp", "udp4", "udp6":
		if _, err := conn.Write(data); err != nil {
			return nil, fmt.Errorf("client: write: %w", err)
		}
		buf := make([]byte, 65535)
		n, err := conn.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("client: read: %w", err)
		}
		return buf[:n], nil
	}

	msg := binary.BigEndian.AppendUint32(make([]byte, 0, len(data)+4), uint32(len(data)))
	msg = append(msg, data...)
	if _, err := conn.Write(msg); err != nil {
		return nil, fmt.Errorf("client: write: %w", err)
	}
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return nil, fmt.Errorf("client: read length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf)
	if n > 65535 {
		return nil, fmt.Errorf("client: reply too large: %d", n)
	}
	resp := make([]byte, n)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return nil, fmt.Errorf("client: read reply: %w", err)
	}
	return resp, nil
}

func randomNonce() (int64, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint32(buf[:]) & 0x7FFFFFFF), nil
}
