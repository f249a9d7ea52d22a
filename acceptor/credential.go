// Package acceptor resolves the credential a server uses to accept
// Kerberos tickets, and validates AP-REQs against it.
package acceptor

import (
	"errors"
	"fmt"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/nametype"

	"github.com/kardianos/gokdc/keystore"
	"github.com/kardianos/gokdc/krb5"
)

var (
	// ErrNoCredential is matched by every *CredentialError.
	ErrNoCredential = errors.New("acceptor: no credential")

	// ErrAmbiguousKeySet is returned when no name was requested and the
	// caller's derived key set holds keys for more than one principal.
	ErrAmbiguousKeySet = errors.New("acceptor: derived key set spans more than one principal")
)

// CredentialError reports that neither key source had keys for a
// principal. Name is nil when no name was requested.
type CredentialError struct {
	Caller keystore.Caller
	Name   *krb5.Principal
}

func (e *CredentialError) Error() string {
	if e.Name == nil {
		return fmt.Sprintf("acceptor: no default credential for caller %q", e.Caller)
	}
	return fmt.Sprintf("acceptor: no credential for %s", e.Name)
}

func (e *CredentialError) Is(target error) bool { return target == ErrNoCredential }

// Source is where a credential's keys come from. It is one of
// KeytabSource or DerivedSource.
type Source interface {
	isSource()
}

// KeytabSource holds keys read from a keytab. Their versions are checked.
type KeytabSource struct {
	Keytab keystore.Keytab
}

// DerivedSource holds keys handed to the process directly. Their versions
// are not checked.
type DerivedSource struct {
	Keys keystore.KeySet
}

func (KeytabSource) isSource()  {}
func (DerivedSource) isSource() {}

// Credential is an acceptor credential. It is immutable.
type Credential struct {
	caller   keystore.Caller
	name     krb5.Principal
	source   Source
	lifetime time.Duration
}

// Resolve builds the acceptor credential for name, or for the caller's
// default identity when name is nil. The keytab is tried first, then the
// caller's derived key set.
func Resolve(store keystore.Store, caller keystore.Caller, name *krb5.Principal, lifetime time.Duration) (*Credential, error) {
	c := &Credential{caller: caller, lifetime: lifetime}

	if kt, ok := store.LookupKeytab(name); ok && len(kt.Keys()) > 0 {
		c.source = KeytabSource{Keytab: kt}
		if name != nil {
			c.name = *name
		} else {
			c.name = hostBased(kt.Principal())
		}
		return c, nil
	}

	keys, ok := store.LookupDerivedKeys(caller, name)
	if !ok || len(keys) == 0 {
		return nil, &CredentialError{Caller: caller, Name: name}
	}
	c.source = DerivedSource{Keys: keys}
	if name != nil {
		c.name = *name
		return c, nil
	}
	owners := keys.Principals()
	if len(owners) > 1 {
		return nil, fmt.Errorf("%w: %d principals for caller %q", ErrAmbiguousKeySet, len(owners), caller)
	}
	c.name = hostBased(owners[0])
	return c, nil
}

func hostBased(p krb5.Principal) krb5.Principal {
	p.Name.NameType = nametype.KRB_NT_SRV_HST
	return p
}

func (c *Credential) IsInitiator() bool { return false }
func (c *Credential) IsAcceptor() bool  { return true }

func (c *Credential) Caller() keystore.Caller { return c.caller }
func (c *Credential) Name() krb5.Principal    { return c.name }
func (c *Credential) Source() Source          { return c.source }
func (c *Credential) Lifetime() time.Duration { return c.lifetime }

// EncryptionKey returns the key that decrypts a ticket sealed with etype
// and kvno. Keytab keys must match kvno unless it is keystore.AnyKVNO;
// derived keys are matched on etype alone.
func (c *Credential) EncryptionKey(etype int32, kvno int) (keystore.LongTermKey, error) {
	switch s := c.source.(type) {
	case KeytabSource:
		return keystore.Select(s.Keytab.Keys(), etype, kvno)
	case DerivedSource:
		return keystore.Select(s.Keys, etype, keystore.AnyKVNO)
	default:
		return keystore.LongTermKey{}, fmt.Errorf("acceptor: credential for %s has no key source", c.name)
	}
}

// IssuingKey returns the key new tickets are sealed with: the newest key
// of etype, or for derived keys the one EncryptionKey will later pick.
func (c *Credential) IssuingKey(etype int32) (keystore.LongTermKey, error) {
	if _, ok := c.source.(DerivedSource); ok {
		return c.EncryptionKey(etype, keystore.AnyKVNO)
	}
	return keystore.Latest(c.Keys(), etype)
}

// Keys returns every key the credential holds.
func (c *Credential) Keys() keystore.KeySet {
	switch s := c.source.(type) {
	case KeytabSource:
		return s.Keytab.Keys()
	case DerivedSource:
		return s.Keys
	}
	return nil
}
