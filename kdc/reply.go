package kdc

import (
	"encoding/asn1"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/keyusage"

	"github.com/kardianos/gokdc/keystore"
	"github.com/kardianos/gokdc/krb5"
)

// fail replaces the reply with a KRB-ERROR.
func (r *request) fail(code int32, cname, sname krb5.PrincipalName, text string) {
	e := krb5.NewKRBError(r.kdc.realm, sname, code, text)
	if len(cname.NameString) > 0 {
		e.CRealm = r.kdc.realm
		e.CName = cname
	}
	r.reply = e
}

// grant describes a ticket about to be issued.
type grant struct {
	client     krb5.Principal
	server     krb5.PrincipalName
	serverKey  keystore.LongTermKey
	sessionKey krb5.EncryptionKey
	flags      asn1.BitString
	authTime   time.Time
	startTime  time.Time
	endTime    time.Time
	addresses  []krb5.HostAddress
}

// seal builds the ticket for g, encrypted in the server's long-term key.
func (r *request) seal(g grant) (krb5.Ticket, error) {
	et := krb5.EncTicketPart{
		Flags:     g.flags,
		Key:       g.sessionKey,
		CRealm:    g.client.Realm,
		CName:     g.client.Name,
		Transited: krb5.TransitedEncoding{TRType: 1, Contents: []byte{}},
		AuthTime:  g.authTime,
		StartTime: g.startTime,
		EndTime:   g.endTime,
		CAddr:     g.addresses,
	}
	plain, err := et.Marshal()
	if err != nil {
		return krb5.Ticket{}, err
	}
	enc, err := krb5.Encrypt(g.serverKey.EncryptionKey(), keyusage.KDC_REP_TICKET, plain, g.serverKey.KVNO)
	if err != nil {
		return krb5.Ticket{}, err
	}
	return krb5.Ticket{
		TktVNO:  krb5.PVNO,
		Realm:   r.kdc.realm,
		SName:   g.server,
		EncPart: enc,
	}, nil
}

// repPart is the plaintext of the reply's encrypted part for g.
func (r *request) repPart(g grant, nonce int64) krb5.EncKDCRepPart {
	return krb5.EncKDCRepPart{
		Key:       g.sessionKey,
		LastReq:   []krb5.LastReq{{LRType: 0, LRValue: g.authTime}},
		Nonce:     nonce,
		Flags:     g.flags,
		AuthTime:  g.authTime,
		StartTime: g.startTime,
		EndTime:   g.endTime,
		SRealm:    r.kdc.realm,
		SName:     g.server,
		CAddr:     g.addresses,
	}
}

// lifetime computes the end time of a ticket starting at now. The policy
// lifetime is cut short by maxLife, till or limit when they end earlier.
// ok is false if the ticket would already be over.
func (r *request) lifetime(now, till time.Time, maxLife time.Duration, limit time.Time) (end time.Time, ok bool) {
	life := r.kdc.policy.TicketLifetime
	if maxLife > 0 && maxLife < life {
		life = maxLife
	}
	end = now.Add(life)
	if !till.IsZero() && till.Before(end) {
		end = till
	}
	if !limit.IsZero() && limit.Before(end) {
		end = limit
	}
	return end, end.After(now)
}
