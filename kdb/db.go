// Package kdb stores the principals a KDC serves and their long-term keys.
package kdb

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/kardianos/gokdc/keystore"
	"github.com/kardianos/gokdc/krb5"
)

var (
	ErrPrincipalUnknown = errors.New("kdb: principal unknown")
	ErrPrincipalExists  = errors.New("kdb: principal exists")
)

// Entry is one principal's record.
type Entry struct {
	Principal krb5.Principal
	Keys      keystore.KeySet

	// MaxLife caps tickets issued to or for the principal. Zero means the
	// realm policy applies.
	MaxLife time.Duration

	// DisablePreauth lets the principal get a ticket without
	// PA-ENC-TIMESTAMP.
	DisablePreauth bool

	Created time.Time
}

// NewEntry derives one key per enctype from password, at version kvno.
func NewEntry(p krb5.Principal, password string, kvno int, etypes []int32) (*Entry, error) {
	e := &Entry{Principal: p, Created: time.Now().UTC()}
	if err := e.addKeys(password, kvno, etypes); err != nil {
		return nil, err
	}
	return e, nil
}

// NewRandomEntry gives p fresh random keys. The realm's krbtgt principal
// is created this way.
func NewRandomEntry(p krb5.Principal, kvno int, etypes []int32) (*Entry, error) {
	e := &Entry{Principal: p, Created: time.Now().UTC()}
	for _, et := range etypes {
		k, err := krb5.RandomKey(et)
		if err != nil {
			return nil, fmt.Errorf("kdb: key for %s: %w", p, err)
		}
		e.Keys = append(e.Keys, keystore.LongTermKey{Principal: p, EType: et, KVNO: kvno, Value: k.KeyValue})
	}
	return e, nil
}

func (e *Entry) addKeys(password string, kvno int, etypes []int32) error {
	if len(etypes) == 0 {
		return fmt.Errorf("kdb: no enctypes for %s", e.Principal)
	}
	salt := e.Principal.Salt()
	for _, et := range etypes {
		k, err := krb5.StringToKey(et, password, salt, 0)
		if err != nil {
			return fmt.Errorf("kdb: key for %s: %w", e.Principal, err)
		}
		e.Keys = append(e.Keys, keystore.LongTermKey{Principal: e.Principal, EType: et, KVNO: kvno, Value: k.KeyValue})
	}
	return nil
}

// KVNO is the highest key version held.
func (e *Entry) KVNO() int {
	n := 0
	for _, k := range e.Keys {
		n = max(n, k.KVNO)
	}
	return n
}

// Rotate adds keys derived from password at the next version. Older
// versions are kept so that tickets issued under them stay readable.
func (e *Entry) Rotate(password string, etypes []int32) error {
	return e.addKeys(password, e.KVNO()+1, etypes)
}

// Salt is the salt the entry's password keys were derived with.
func (e *Entry) Salt() string {
	return e.Principal.Salt()
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Keys = slices.Clone(e.Keys)
	return &c
}

// Database is a principal store. Implementations are safe for concurrent
// use and never return an Entry the caller shares with the store.
type Database interface {
	Get(ctx context.Context, p krb5.Principal) (*Entry, error)
	// Put stores e, replacing any entry for the same principal.
	Put(ctx context.Context, e *Entry) error
	// Add stores e and fails with ErrPrincipalExists if there is one.
	Add(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, p krb5.Principal) error
	List(ctx context.Context) ([]*Entry, error)
	Close() error
}

// key names a principal in a store. Name types are not part of it.
func key(p krb5.Principal) string {
	return p.Name.String() + "@" + p.Realm
}

// TGSKeys returns the keys of the ticket granting service of realm.
func TGSKeys(ctx context.Context, db Database, realm string) (keystore.KeySet, error) {
	e, err := db.Get(ctx, krb5.Principal{Name: krb5.TGSName(realm), Realm: realm})
	if err != nil {
		return nil, err
	}
	return e.Keys, nil
}

// EnsureTGS creates the krbtgt principal of realm with random keys if it
// does not exist yet.
func EnsureTGS(ctx context.Context, db Database, realm string, etypes []int32) (*Entry, error) {
	p := krb5.Principal{Name: krb5.TGSName(realm), Realm: realm}
	e, err := db.Get(ctx, p)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, ErrPrincipalUnknown) {
		return nil, err
	}
	e, err = NewRandomEntry(p, 1, etypes)
	if err != nil {
		return nil, err
	}
	if err := db.Add(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}
