// Package kdc is the request core of a Kerberos KDC: it decodes inbound
// messages, checks the realm, runs the AS or TGS exchange and frames the
// reply for the transport it came in on.
package kdc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/kardianos/gokdc/acceptor"
	"github.com/kardianos/gokdc/kdb"
	"github.com/kardianos/gokdc/kdclog"
	"github.com/kardianos/gokdc/keystore"
	"github.com/kardianos/gokdc/krb5"
)

// Policy holds the realm-wide limits applied to issued tickets.
type Policy struct {
	TicketLifetime time.Duration
	MaxClockSkew   time.Duration
	// ETypes are the permitted enctypes in order of preference.
	ETypes []int32
}

// DefaultPolicy is a ten hour ticket, five minutes of skew and both AES
// enctypes.
func DefaultPolicy() Policy {
	return Policy{
		TicketLifetime: 10 * time.Hour,
		MaxClockSkew:   acceptor.DefaultMaxSkew,
		ETypes:         slices.Clone(krb5.DefaultETypes),
	}
}

// Options configure NewContext.
type Options struct {
	Realm string
	DB    kdb.Database
	// Keys supplies the krbtgt keys, under keystore.CallerKDC or from a
	// keytab.
	Keys    keystore.Store
	Policy  Policy
	Log     *kdclog.Logger
	Metrics *Metrics
	// Codec defaults to krb5.DERCodec.
	Codec krb5.Codec
	// Now defaults to time.Now.
	Now func() time.Time
}

// Context is the state shared by every request. It is read-only once
// built.
type Context struct {
	realm   string
	db      kdb.Database
	keys    keystore.Store
	policy  Policy
	log     *kdclog.Logger
	metrics *Metrics
	codec   krb5.Codec
	now     func() time.Time
}

// NewContext validates o and builds the shared request context.
func NewContext(o Options) (*Context, error) {
	if o.Realm == "" {
		return nil, errors.New("kdc: realm is required")
	}
	if o.DB == nil {
		return nil, errors.New("kdc: principal database is required")
	}
	if o.Keys == nil {
		return nil, errors.New("kdc: key store is required")
	}
	p := o.Policy
	def := DefaultPolicy()
	if p.TicketLifetime <= 0 {
		p.TicketLifetime = def.TicketLifetime
	}
	if p.MaxClockSkew <= 0 {
		p.MaxClockSkew = def.MaxClockSkew
	}
	if len(p.ETypes) == 0 {
		p.ETypes = def.ETypes
	}
	for _, et := range p.ETypes {
		if !krb5.SupportedEType(et) {
			return nil, fmt.Errorf("kdc: enctype %s is not supported", krb5.ETypeName(et))
		}
	}
	p.ETypes = slices.Clone(p.ETypes)

	c := &Context{
		realm:   o.Realm,
		db:      o.DB,
		keys:    o.Keys,
		policy:  p,
		log:     o.Log,
		metrics: o.Metrics,
		codec:   o.Codec,
		now:     o.Now,
	}
	if c.codec == nil {
		c.codec = krb5.DERCodec{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

func (c *Context) Realm() string { return c.realm }

func (c *Context) Policy() Policy { return c.policy }

func (c *Context) Codec() krb5.Codec { return c.codec }

// TGSPrincipal is krbtgt/REALM@REALM.
func (c *Context) TGSPrincipal() krb5.Principal {
	return krb5.Principal{Name: krb5.TGSName(c.realm), Realm: c.realm}
}

// tgsCredential resolves the KDC's own acceptor credential. It is looked
// up per request so that rotated keys are picked up.
func (c *Context) tgsCredential() (*acceptor.Credential, error) {
	tgs := c.TGSPrincipal()
	return acceptor.Resolve(c.keys, keystore.CallerKDC, &tgs, c.policy.TicketLifetime)
}

// isTGS reports whether name is the realm's ticket granting service.
func (c *Context) isTGS(name krb5.PrincipalName) bool {
	return name.SameName(krb5.TGSName(c.realm))
}

// serverKey returns the key a ticket for sname is sealed with: the newest
// key of the server's most preferred enctype. The realm's krbtgt uses the
// issuing key of its acceptor credential, so the TGS exchange can open
// what the AS exchange sealed.
func (c *Context) serverKey(ctx context.Context, sname krb5.PrincipalName) (keystore.LongTermKey, error) {
	pick := keystore.Latest
	var keys keystore.KeySet
	if c.isTGS(sname) {
		cred, err := c.tgsCredential()
		if err != nil {
			return keystore.LongTermKey{}, err
		}
		keys = cred.Keys()
		pick = func(_ keystore.KeySet, et int32) (keystore.LongTermKey, error) { return cred.IssuingKey(et) }
	} else {
		e, err := c.db.Get(ctx, krb5.Principal{Name: sname, Realm: c.realm})
		if err != nil {
			return keystore.LongTermKey{}, err
		}
		keys = e.Keys
	}
	for _, et := range c.policy.ETypes {
		if k, err := pick(keys, et); err == nil {
			return k, nil
		}
	}
	return keystore.LongTermKey{}, &keystore.KeyError{EType: c.policy.ETypes[0], KVNO: keystore.AnyKVNO}
}

// negotiate picks the first permitted enctype that the client asked for
// and, when have is not nil, that have accepts.
func (c *Context) negotiate(requested []int32, have func(int32) bool) (int32, bool) {
	for _, et := range c.policy.ETypes {
		if slices.Contains(requested, et) && (have == nil || have(et)) {
			return et, true
		}
	}
	return 0, false
}
