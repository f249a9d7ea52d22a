package kdc

import (
	"context"
	"errors"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/jcmturner/gokrb5/v8/iana/patype"

	"github.com/kardianos/gokdc/acceptor"
	"github.com/kardianos/gokdc/kdb"
	"github.com/kardianos/gokdc/kdclog"
	"github.com/kardianos/gokdc/krb5"
)

// Process runs the TGS exchange: it accepts the TGT carried in
// PA-TGS-REQ and issues a ticket for the requested server.
func (r *TGSRequest) Process() error {
	c := r.kdc
	ctx := context.Background()
	body := &r.msg.ReqBody

	pa, ok := r.msg.FindPAData(patype.PA_TGS_REQ)
	if !ok {
		r.fail(errorcode.KDC_ERR_PADATA_TYPE_NOSUPP, body.CName, body.SName, "no PA-TGS-REQ")
		return nil
	}
	m, err := c.codec.Decode(pa.PADataValue)
	if err != nil {
		r.fail(errorcode.KRB_AP_ERR_MSG_TYPE, body.CName, body.SName, "malformed PA-TGS-REQ")
		return nil
	}
	ap, ok := m.(*krb5.APReq)
	if !ok {
		r.fail(errorcode.KRB_AP_ERR_MSG_TYPE, body.CName, body.SName, "PA-TGS-REQ is not an AP-REQ")
		return nil
	}
	if !c.isTGS(ap.Ticket.SName) || ap.Ticket.Realm != c.realm {
		r.fail(errorcode.KRB_AP_ERR_NOT_US, body.CName, body.SName, "ticket is not a TGT of this realm")
		return nil
	}

	cred, err := c.tgsCredential()
	if err != nil {
		return fmt.Errorf("kdc: TGS credential: %w", err)
	}
	auth := acceptor.Authenticator{
		Credential: cred,
		MaxSkew:    c.policy.MaxClockSkew,
		Now:        c.now,
	}
	res, err := auth.Verify(ap, keyusage.TGS_REQ_PA_TGS_REQ_AP_REQ_AUTHENTICATOR)
	var apErr *acceptor.Error
	if errors.As(err, &apErr) {
		c.log.Printf(kdclog.AreaTGS, "TGS-REQ from %v: %v", r.addr, err)
		r.fail(apErr.Code, body.CName, body.SName, apErr.Err.Error())
		return nil
	}
	if err != nil {
		return err
	}
	if code, err := checkBodyChecksum(res, body); err != nil {
		c.log.Printf(kdclog.AreaTGS, "TGS-REQ from %v: %v", r.addr, err)
		r.fail(code, body.CName, body.SName, err.Error())
		return nil
	}
	tgt := res.Ticket
	client := res.Client

	if len(body.SName.NameString) == 0 {
		r.fail(errorcode.KDC_ERR_S_PRINCIPAL_UNKNOWN, client.Name, body.SName, "no server name")
		return nil
	}
	serverKey, err := c.serverKey(ctx, body.SName)
	if errors.Is(err, kdb.ErrPrincipalUnknown) {
		c.log.Printf(kdclog.AreaTGS, "TGS-REQ from %v: %s asked for unknown server %s", r.addr, client, body.SName)
		r.fail(errorcode.KDC_ERR_S_PRINCIPAL_UNKNOWN, client.Name, body.SName, "server not found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("kdc: server key for %s: %w", body.SName, err)
	}

	etype, ok := c.negotiate(body.EType, nil)
	if !ok {
		r.fail(errorcode.KDC_ERR_ETYPE_NOSUPP, client.Name, body.SName, "no common enctype")
		return nil
	}
	session, err := krb5.RandomKey(etype)
	if err != nil {
		return err
	}

	now := c.now().UTC()
	end, ok := r.lifetime(now, body.Till, 0, tgt.EndTime)
	if !ok {
		r.fail(errorcode.KDC_ERR_NEVER_VALID, client.Name, body.SName, "requested end time is in the past")
		return nil
	}
	var flags []int
	if krb5.FlagSet(tgt.Flags, krb5.FlagPreAuthent) {
		flags = append(flags, krb5.FlagPreAuthent)
	}
	g := grant{
		client:     client,
		server:     body.SName,
		serverKey:  serverKey,
		sessionKey: session,
		flags:      krb5.NewFlags(flags...),
		authTime:   tgt.AuthTime,
		startTime:  now,
		endTime:    end,
		addresses:  tgt.CAddr,
	}
	tkt, err := r.seal(g)
	if err != nil {
		return fmt.Errorf("kdc: seal ticket: %w", err)
	}

	replyKey, usage := tgt.Key, uint32(keyusage.TGS_REP_ENCPART_SESSION_KEY)
	if sub := res.Authenticator.SubKey; len(sub.KeyValue) > 0 {
		replyKey, usage = sub, keyusage.TGS_REP_ENCPART_AUTHENTICATOR_SUB_KEY
	}
	part := r.repPart(g, body.Nonce)
	plain, err := part.Marshal(msgtype.KRB_TGS_REP)
	if err != nil {
		return err
	}
	enc, err := krb5.Encrypt(replyKey, usage, plain, 0)
	if err != nil {
		return err
	}

	r.reply = &krb5.TGSRep{KDCRep: krb5.KDCRep{
		PVNO:    krb5.PVNO,
		MsgType: msgtype.KRB_TGS_REP,
		CRealm:  client.Realm,
		CName:   client.Name,
		Ticket:  tkt,
		EncPart: enc,
	}}
	c.log.Printf(kdclog.AreaTGS, "TGS-REP to %v: %s for %s, until %s",
		r.addr, client, body.SName, end.Format("2006-01-02 15:04:05"))
	return nil
}

// checkBodyChecksum verifies that the authenticator checksums the request
// body under the TGT session key. The body is re-encoded for the check;
// DER leaves one encoding per value.
func checkBodyChecksum(res *acceptor.Result, body *krb5.KDCReqBody) (int32, error) {
	ck := res.Authenticator.Cksum
	if ck.CksumType == 0 && len(ck.Checksum) == 0 {
		return errorcode.KRB_AP_ERR_INAPP_CKSUM, errors.New("authenticator has no request checksum")
	}
	b, err := body.Marshal()
	if err != nil {
		return errorcode.KRB_ERR_GENERIC, fmt.Errorf("encode request body: %w", err)
	}
	err = krb5.VerifyChecksum(res.Ticket.Key, keyusage.TGS_REQ_PA_TGS_REQ_AP_REQ_AUTHENTICATOR_CHKSUM, b, ck)
	if err != nil {
		return errorcode.KRB_AP_ERR_MODIFIED, fmt.Errorf("request body checksum: %w", err)
	}
	return 0, nil
}
