// Package keystore resolves long-term Kerberos keys. Keys come either from
// a keytab file or from key sets handed to the process directly, and both
// sources publish immutable snapshots so readers never see a partial
// update.
package keystore

import (
	"errors"
	"fmt"
	"slices"

	"github.com/kardianos/gokdc/krb5"
)

// AnyKVNO asks for a key regardless of its version.
const AnyKVNO = -1

// LongTermKey is one version of one enctype of a principal's key.
// (Principal, EType, KVNO) is unique within a key set.
type LongTermKey struct {
	Principal krb5.Principal
	EType     int32
	KVNO      int
	Value     []byte
}

// EncryptionKey returns the key in wire form.
func (k LongTermKey) EncryptionKey() krb5.EncryptionKey {
	return krb5.EncryptionKey{KeyType: k.EType, KeyValue: k.Value}
}

func (k LongTermKey) String() string {
	return fmt.Sprintf("%s kvno %d %s", k.Principal, k.KVNO, krb5.ETypeName(k.EType))
}

// KeySet is an unordered collection of long-term keys. Readers must not
// modify it.
type KeySet []LongTermKey

// Principals returns the distinct owners of the keys, in first seen order.
func (s KeySet) Principals() []krb5.Principal {
	var out []krb5.Principal
	for _, k := range s {
		if !slices.ContainsFunc(out, k.Principal.Equal) {
			out = append(out, k.Principal)
		}
	}
	return out
}

// For returns the keys owned by p. Name types are not compared.
func (s KeySet) For(p krb5.Principal) KeySet {
	var out KeySet
	for _, k := range s {
		if samePrincipal(k.Principal, p) {
			out = append(out, k)
		}
	}
	return out
}

// ETypes returns the distinct enctypes present, in first seen order.
func (s KeySet) ETypes() []int32 {
	var out []int32
	for _, k := range s {
		if !slices.Contains(out, k.EType) {
			out = append(out, k.EType)
		}
	}
	return out
}

func samePrincipal(a, b krb5.Principal) bool {
	return a.Realm == b.Realm && a.Name.SameName(b.Name)
}

// ErrNoMatchingKey is matched by every *KeyError.
var ErrNoMatchingKey = errors.New("keystore: no matching key")

// KeyError reports a key set with no key of the wanted enctype and version.
type KeyError struct {
	EType int32
	KVNO  int
}

func (e *KeyError) Error() string {
	if e.KVNO == AnyKVNO {
		return fmt.Sprintf("keystore: no %s key", krb5.ETypeName(e.EType))
	}
	return fmt.Sprintf("keystore: no %s key with kvno %d", krb5.ETypeName(e.EType), e.KVNO)
}

func (e *KeyError) Is(target error) bool { return target == ErrNoMatchingKey }
