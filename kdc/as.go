package kdc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/jcmturner/gokrb5/v8/iana/nametype"
	"github.com/jcmturner/gokrb5/v8/iana/patype"

	"github.com/kardianos/gokdc/kdb"
	"github.com/kardianos/gokdc/kdclog"
	"github.com/kardianos/gokdc/keystore"
	"github.com/kardianos/gokdc/krb5"
)

// Process runs the AS exchange: it checks the client's encrypted
// timestamp and issues a ticket, usually a TGT, sealed for the requested
// server.
func (r *ASRequest) Process() error {
	c := r.kdc
	ctx := context.Background()
	body := &r.msg.ReqBody

	client, ok := r.clientPrincipal()
	if !ok {
		r.fail(errorcode.KDC_ERR_C_PRINCIPAL_UNKNOWN, body.CName, body.SName, "no client name")
		return nil
	}
	entry, err := c.db.Get(ctx, client)
	if errors.Is(err, kdb.ErrPrincipalUnknown) {
		c.log.Printf(kdclog.AreaAS, "AS-REQ from %v: unknown client %s", r.addr, client)
		r.fail(errorcode.KDC_ERR_C_PRINCIPAL_UNKNOWN, body.CName, body.SName, "client not found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("kdc: look up %s: %w", client, err)
	}

	etype, ok := c.negotiate(body.EType, func(et int32) bool {
		_, err := keystore.Latest(entry.Keys, et)
		return err == nil
	})
	if !ok {
		r.fail(errorcode.KDC_ERR_ETYPE_NOSUPP, body.CName, body.SName, "no common enctype")
		return nil
	}
	clientKey, err := keystore.Latest(entry.Keys, etype)
	if err != nil {
		return err
	}

	preauth := false
	if pa, found := r.msg.FindPAData(patype.PA_ENC_TIMESTAMP); found {
		code, err := r.checkTimestamp(pa, entry.Keys)
		if err != nil {
			c.log.Printf(kdclog.AreaAS, "AS-REQ from %v for %s: %v", r.addr, client, err)
			r.fail(code, body.CName, body.SName, "pre-authentication failed")
			return nil
		}
		preauth = true
	}
	if !preauth && !entry.DisablePreauth {
		return r.requirePreauth(entry, clientKey)
	}

	if len(body.SName.NameString) == 0 {
		r.fail(errorcode.KDC_ERR_S_PRINCIPAL_UNKNOWN, body.CName, body.SName, "no server name")
		return nil
	}
	serverKey, err := c.serverKey(ctx, body.SName)
	if errors.Is(err, kdb.ErrPrincipalUnknown) {
		r.fail(errorcode.KDC_ERR_S_PRINCIPAL_UNKNOWN, body.CName, body.SName, "server not found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("kdc: server key for %s: %w", body.SName, err)
	}

	now := c.now().UTC()
	end, ok := r.lifetime(now, body.Till, entry.MaxLife, time.Time{})
	if !ok {
		r.fail(errorcode.KDC_ERR_NEVER_VALID, body.CName, body.SName, "requested end time is in the past")
		return nil
	}
	session, err := krb5.RandomKey(etype)
	if err != nil {
		return err
	}
	flags := []int{krb5.FlagInitial}
	if preauth {
		flags = append(flags, krb5.FlagPreAuthent)
	}
	g := grant{
		client:     client,
		server:     body.SName,
		serverKey:  serverKey,
		sessionKey: session,
		flags:      krb5.NewFlags(flags...),
		authTime:   now,
		endTime:    end,
		addresses:  body.Addresses,
	}
	tkt, err := r.seal(g)
	if err != nil {
		return fmt.Errorf("kdc: seal ticket: %w", err)
	}
	part := r.repPart(g, body.Nonce)
	plain, err := part.Marshal(msgtype.KRB_AS_REP)
	if err != nil {
		return err
	}
	enc, err := krb5.Encrypt(clientKey.EncryptionKey(), keyusage.AS_REP_ENCPART, plain, clientKey.KVNO)
	if err != nil {
		return err
	}

	r.reply = &krb5.ASRep{KDCRep: krb5.KDCRep{
		PVNO:    krb5.PVNO,
		MsgType: msgtype.KRB_AS_REP,
		CRealm:  client.Realm,
		CName:   body.CName,
		Ticket:  tkt,
		EncPart: enc,
	}}
	c.log.Printf(kdclog.AreaAS, "AS-REP to %v: %s for %s, %s, until %s",
		r.addr, client, body.SName, krb5.ETypeName(etype), end.Format("2006-01-02 15:04:05"))
	return nil
}

// clientPrincipal names the client in the KDC's realm. An enterprise name
// user@REALM is reduced to user.
func (r *ASRequest) clientPrincipal() (krb5.Principal, bool) {
	cname := r.msg.ReqBody.CName
	if len(cname.NameString) == 0 {
		return krb5.Principal{}, false
	}
	if cname.NameType == nametype.KRB_NT_ENTERPRISE {
		p, err := krb5.ParsePrincipal(cname.NameString[0], r.kdc.realm)
		if err != nil || p.Realm != r.kdc.realm {
			return krb5.Principal{}, false
		}
		return p, true
	}
	return krb5.Principal{Name: cname, Realm: r.kdc.realm}, true
}

// checkTimestamp verifies PA-ENC-TIMESTAMP. On failure it returns the
// error code for the reply.
func (r *ASRequest) checkTimestamp(pa krb5.PAData, keys keystore.KeySet) (int32, error) {
	var ed krb5.EncryptedData
	if err := ed.Unmarshal(pa.PADataValue); err != nil {
		return errorcode.KDC_ERR_PREAUTH_FAILED, err
	}
	kvno := ed.KVNO
	if kvno == 0 {
		kvno = keystore.AnyKVNO
	}
	key, err := keystore.Select(keys, ed.EType, kvno)
	if err != nil {
		return errorcode.KDC_ERR_PREAUTH_FAILED, err
	}
	plain, err := krb5.Decrypt(key.EncryptionKey(), keyusage.AS_REQ_PA_ENC_TIMESTAMP, ed)
	if err != nil {
		return errorcode.KDC_ERR_PREAUTH_FAILED, err
	}
	var ts krb5.PAEncTSEnc
	if err := ts.Unmarshal(plain); err != nil {
		return errorcode.KDC_ERR_PREAUTH_FAILED, err
	}
	skew := r.kdc.policy.MaxClockSkew
	if d := r.kdc.now().Sub(ts.PATimestamp); d > skew || d < -skew {
		return errorcode.KRB_AP_ERR_SKEW, fmt.Errorf("timestamp %v is %v away", ts.PATimestamp, d)
	}
	return 0, nil
}

// requirePreauth answers with KDC_ERR_PREAUTH_REQUIRED and the salt and
// iteration count the client needs to derive its key.
func (r *ASRequest) requirePreauth(entry *kdb.Entry, key keystore.LongTermKey) error {
	info, err := krb5.MarshalETypeInfo2([]krb5.ETypeInfo2Entry{{
		EType:     key.EType,
		Salt:      entry.Salt(),
		S2KParams: krb5.S2KParams(krb5.DefaultIterations),
	}})
	if err != nil {
		return err
	}
	edata, err := krb5.MarshalMethodData([]krb5.PAData{
		{PADataType: patype.PA_ENC_TIMESTAMP, PADataValue: []byte{}},
		{PADataType: patype.PA_ETYPE_INFO2, PADataValue: info},
	})
	if err != nil {
		return err
	}
	body := &r.msg.ReqBody
	r.fail(errorcode.KDC_ERR_PREAUTH_REQUIRED, body.CName, body.SName, "pre-authentication required")
	r.reply.(*krb5.KRBError).EData = edata
	r.kdc.log.Debugf(kdclog.AreaAS, "AS-REQ from %v for %s: pre-authentication required", r.addr, entry.Principal)
	return nil
}
