package acceptor

import (
	"errors"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"

	"github.com/kardianos/gokdc/krb5"
)

// AcceptSPNEGO validates a client's initial SPNEGO token, as sent in an
// HTTP Negotiate header or an SMB session setup, and returns the
// negTokenResp to send back. A rejected token still yields a reply: it
// carries a KRB-ERROR when the AP-REQ itself failed.
func (a *Authenticator) AcceptSPNEGO(token []byte) (*Result, []byte, error) {
	mech, apReq, err := krb5.ParseSPNEGOInit(token)
	if err != nil {
		reply, rerr := krb5.NewSPNEGOResp(krb5.NegReject, nil, nil)
		return nil, reply, errors.Join(err, rerr)
	}
	res, err := a.ValidateAPReq(apReq)
	if err != nil {
		var msg []byte
		var apErr *Error
		if errors.As(err, &apErr) {
			name := a.Credential.Name()
			msg, _ = krb5.DERCodec{}.Encode(krb5.NewKRBError(name.Realm, name.Name, apErr.Code, ""))
		}
		reply, rerr := krb5.NewSPNEGOResp(krb5.NegReject, mech, msg)
		return nil, reply, errors.Join(err, rerr)
	}
	reply, err := krb5.NewSPNEGOResp(krb5.NegAcceptCompleted, mech, res.APRep)
	if err != nil {
		return nil, nil, fmt.Errorf("acceptor: %w", err)
	}
	return res, reply, nil
}

// SPNEGOCode is the Kerberos error code a failed AcceptSPNEGO reported,
// or KRB_ERR_GENERIC when the token was not a Kerberos AP-REQ at all.
func SPNEGOCode(err error) int32 {
	var apErr *Error
	if errors.As(err, &apErr) {
		return apErr.Code
	}
	return errorcode.KRB_ERR_GENERIC
}
