package kdc

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/kardianos/gokdc/kdclog"
	"github.com/kardianos/gokdc/krb5"
)

// Handler turns one inbound message into one framed reply. It holds no
// per-request state and is safe for concurrent use.
type Handler struct {
	kdc *Context
}

func NewHandler(c *Context) *Handler {
	return &Handler{kdc: c}
}

// HandleMessage processes data, a complete message with any transport
// length prefix already removed. On success the reply is framed for the
// transport: prefixed with its 4 byte big-endian length when stream is
// set, bare otherwise. On error nothing is returned and the transport
// decides what, if anything, to send.
func (h *Handler) HandleMessage(data []byte, stream bool, peer net.Addr) ([]byte, error) {
	c := h.kdc
	start := c.now()

	msg, err := c.codec.Decode(data)
	if err != nil {
		c.metrics.recordRequest("other", "failed", c.now().Sub(start))
		return nil, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}

	var (
		req  Request
		body *krb5.KDCReqBody
		typ  string
	)
	switch m := msg.(type) {
	case *krb5.ASReq:
		req, body, typ = NewASRequest(m, c), &m.ReqBody, "as"
	case *krb5.TGSReq:
		req, body, typ = NewTGSRequest(m, c), &m.ReqBody, "tgs"
	case *krb5.ASRep, *krb5.TGSRep, *krb5.APReq, *krb5.APRep, *krb5.KRBError, *krb5.OtherMessage:
		c.metrics.recordRequest("other", "failed", c.now().Sub(start))
		return nil, &MessageTypeError{Type: msg.MessageType()}
	default:
		c.metrics.recordRequest("other", "failed", c.now().Sub(start))
		return nil, fmt.Errorf("%w: codec returned %T", ErrDecodeFailed, msg)
	}

	realm := body.Realm
	if realm == "" {
		if p, ok := body.ClientPrincipal(); ok {
			realm = p.Realm
		}
	}
	if realm != c.realm {
		c.metrics.recordRequest(typ, "failed", c.now().Sub(start))
		c.log.Debugf(kdclog.AreaDispatch, "%s from %v: realm %q rejected", typ, peer, realm)
		return nil, &RealmError{Realm: realm, Want: c.realm}
	}

	req.SetClientAddress(peer)
	req.SetStreamTransport(stream)
	if err := req.Process(); err != nil {
		c.metrics.recordRequest(typ, "failed", c.now().Sub(start))
		return nil, err
	}
	reply := req.Reply()
	if reply == nil {
		c.metrics.recordRequest(typ, "failed", c.now().Sub(start))
		return nil, ErrNoReply
	}

	n, err := c.codec.EncodingLength(reply)
	if err != nil {
		return nil, fmt.Errorf("kdc: encode reply: %w", err)
	}
	out := make([]byte, 0, n+4)
	if stream {
		out = binary.BigEndian.AppendUint32(out, uint32(n))
	}
	enc, err := c.codec.Encode(reply)
	if err != nil {
		return nil, fmt.Errorf("kdc: encode reply: %w", err)
	}
	out = append(out, enc...)

	result := "reply"
	if e, ok := reply.(*krb5.KRBError); ok {
		result = "krb_error"
		c.metrics.recordKRBError(e.ErrorCode)
	}
	c.metrics.recordRequest(typ, result, c.now().Sub(start))
	c.log.Tracef(kdclog.AreaDispatch, "%s from %v: %d byte reply, stream=%v", typ, peer, len(enc), stream)
	return out, nil
}
