package keystore

import "github.com/kardianos/gokdc/krb5"

// Caller identifies the security context a derived key lookup runs for.
// Each caller may have its own ambient key set.
type Caller string

const (
	CallerAccept Caller = "accept"
	CallerKDC    Caller = "kdc"
)

// Keytab is a handle onto a keytab snapshot bound to one principal.
type Keytab interface {
	// Principal is the identity the handle was bound to: the requested
	// name, or the keytab's default principal.
	Principal() krb5.Principal
	// Keys returns every version and enctype held for Principal.
	Keys() KeySet
}

// Store finds long-term keys. A miss is reported as false, never as an
// error, so callers can fall through to the next source.
type Store interface {
	// LookupKeytab finds keytab keys for name, or for the default identity
	// when name is nil.
	LookupKeytab(name *krb5.Principal) (Keytab, bool)
	// LookupDerivedKeys finds the ambient key set of caller, narrowed to
	// name when it is not nil.
	LookupDerivedKeys(caller Caller, name *krb5.Principal) (KeySet, bool)
}

// Adapter combines a keytab source and a derived source into a Store.
// Either may be nil.
type Adapter struct {
	Keytabs *KeytabSource
	Derived *DerivedSource
}

var _ Store = (*Adapter)(nil)

func (a *Adapter) LookupKeytab(name *krb5.Principal) (Keytab, bool) {
	if a.Keytabs == nil {
		return nil, false
	}
	return a.Keytabs.Lookup(name)
}

func (a *Adapter) LookupDerivedKeys(caller Caller, name *krb5.Principal) (KeySet, bool) {
	if a.Derived == nil {
		return nil, false
	}
	return a.Derived.Lookup(caller, name)
}
