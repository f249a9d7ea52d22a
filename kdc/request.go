package kdc

import (
	"net"

	"github.com/kardianos/gokdc/krb5"
)

// Request is one in-flight AS or TGS exchange.
type Request interface {
	SetClientAddress(addr net.Addr)
	SetStreamTransport(stream bool)
	// Process runs the exchange. Protocol failures become a KRB-ERROR
	// reply; an error return means no reply could be produced.
	Process() error
	// Reply is the message to send back, or nil before Process.
	Reply() krb5.Message
}

// request holds the state common to both exchanges.
type request struct {
	kdc    *Context
	addr   net.Addr
	stream bool
	reply  krb5.Message
}

func (r *request) SetClientAddress(addr net.Addr) { r.addr = addr }
func (r *request) SetStreamTransport(stream bool) { r.stream = stream }
func (r *request) Reply() krb5.Message            { return r.reply }

// ClientAddress is the peer the request came from.
func (r *request) ClientAddress() net.Addr { return r.addr }

// StreamTransport reports whether the request arrived over TCP.
func (r *request) StreamTransport() bool { return r.stream }

// ASRequest is an Authentication Service exchange.
type ASRequest struct {
	request
	msg *krb5.ASReq
}

func NewASRequest(msg *krb5.ASReq, c *Context) *ASRequest {
	return &ASRequest{request: request{kdc: c}, msg: msg}
}

// TGSRequest is a Ticket Granting Service exchange.
type TGSRequest struct {
	request
	msg *krb5.TGSReq
}

func NewTGSRequest(msg *krb5.TGSReq, c *Context) *TGSRequest {
	return &TGSRequest{request: request{kdc: c}, msg: msg}
}

var (
	_ Request = (*ASRequest)(nil)
	_ Request = (*TGSRequest)(nil)
)
