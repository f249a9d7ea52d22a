package keystore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jcmturner/gokrb5/v8/keytab"

	"github.com/kardianos/gokdc/kdclog"
	"github.com/kardianos/gokdc/krb5"
)

// DefaultPollInterval is how often Watch checks the keytab file.
const DefaultPollInterval = 60 * time.Second

// KeytabSource serves keys from a keytab. When loaded from a file it can
// be reloaded, and each reload swaps in a complete new snapshot.
type KeytabSource struct {
	path      string
	principal *krb5.Principal
	log       *kdclog.Logger

	cur atomic.Pointer[keytabSnapshot]

	mu      sync.Mutex // serializes reloads
	lastMod time.Time
}

type keytabSnapshot struct {
	keys   KeySet
	def    krb5.Principal
	hasDef bool
	loaded time.Time
}

// LoadKeytab reads the keytab at path. principal, if not nil, is the
// default identity; otherwise the first entry's principal is.
func LoadKeytab(path string, principal *krb5.Principal, log *kdclog.Logger) (*KeytabSource, error) {
	s := &KeytabSource{path: path, principal: principal, log: log}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewKeytabSource serves an already parsed keytab. It cannot be reloaded.
func NewKeytabSource(kt *keytab.Keytab, principal *krb5.Principal) *KeytabSource {
	s := &KeytabSource{principal: principal}
	s.cur.Store(s.snapshot(kt))
	return s
}

// ParseKeytab serves a keytab held in memory, in the MIT file format.
func ParseKeytab(b []byte, principal *krb5.Principal) (*KeytabSource, error) {
	kt := keytab.New()
	if err := kt.Unmarshal(b); err != nil {
		return nil, fmt.Errorf("keystore: parse keytab: %w", err)
	}
	return NewKeytabSource(kt, principal), nil
}

// NewPasswordKeytab builds a keytab holding one key per enctype for p,
// derived from password.
func NewPasswordKeytab(p krb5.Principal, password string, kvno uint8, etypes []int32) (*keytab.Keytab, error) {
	kt := keytab.New()
	now := time.Now()
	for _, et := range etypes {
		if err := kt.AddEntry(p.Name.String(), p.Realm, password, now, kvno, et); err != nil {
			return nil, fmt.Errorf("keystore: keytab entry for %s: %w", p, err)
		}
	}
	return kt, nil
}

// KeysFromKeytab flattens keytab entries into a KeySet.
func KeysFromKeytab(kt *keytab.Keytab) KeySet {
	out := make(KeySet, 0, len(kt.Entries))
	for _, e := range kt.Entries {
		kvno := int(e.KVNO)
		if kvno == 0 {
			kvno = int(e.KVNO8)
		}
		out = append(out, LongTermKey{
			Principal: krb5.Principal{
				Name:  krb5.PrincipalName{NameType: e.Principal.NameType, NameString: e.Principal.Components},
				Realm: e.Principal.Realm,
			},
			EType: e.Key.KeyType,
			KVNO:  kvno,
			Value: e.Key.KeyValue,
		})
	}
	return out
}

func (s *KeytabSource) snapshot(kt *keytab.Keytab) *keytabSnapshot {
	snap := &keytabSnapshot{keys: KeysFromKeytab(kt), loaded: time.Now()}
	switch {
	case s.principal != nil:
		snap.def, snap.hasDef = *s.principal, true
	case len(snap.keys) > 0:
		snap.def, snap.hasDef = snap.keys[0].Principal, true
	}
	return snap
}

// Reload rereads the file and publishes the new keys. On error the
// previous snapshot stays in place.
func (s *KeytabSource) Reload() error {
	if s.path == "" {
		return fmt.Errorf("keystore: keytab was not loaded from a file")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("keystore: keytab not accessible: %w", err)
	}
	kt, err := keytab.Load(s.path)
	if err != nil {
		return fmt.Errorf("keystore: load keytab %s: %w", s.path, err)
	}
	snap := s.snapshot(kt)
	s.cur.Store(snap)
	s.lastMod = info.ModTime()
	s.log.Printf(kdclog.AreaKeys, "keytab %s loaded: %d keys, default %s", s.path, len(snap.keys), snap.def)
	return nil
}

// Watch polls the file's modification time and reloads on change until
// ctx is done.
func (s *KeytabSource) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.checkAndReload()
		}
	}
}

func (s *KeytabSource) checkAndReload() {
	info, err := os.Stat(s.path)
	if err != nil {
		s.log.Errorf(kdclog.AreaKeys, "keytab stat %s: %v", s.path, err)
		return
	}
	s.mu.Lock()
	changed := !info.ModTime().Equal(s.lastMod)
	s.mu.Unlock()
	if !changed {
		return
	}
	if err := s.Reload(); err != nil {
		s.log.Errorf(kdclog.AreaKeys, "keytab reload: %v", err)
	}
}

// Keys returns every key in the current snapshot.
func (s *KeytabSource) Keys() KeySet {
	return s.cur.Load().keys
}

// Lookup binds a handle to name, or to the default principal when name is
// nil. It misses when the snapshot holds no keys for that principal.
func (s *KeytabSource) Lookup(name *krb5.Principal) (Keytab, bool) {
	snap := s.cur.Load()
	if snap == nil {
		return nil, false
	}
	p := snap.def
	if name != nil {
		p = *name
	} else if !snap.hasDef {
		return nil, false
	}
	keys := snap.keys.For(p)
	if len(keys) == 0 {
		return nil, false
	}
	return keytabHandle{principal: p, keys: keys}, true
}

type keytabHandle struct {
	principal krb5.Principal
	keys      KeySet
}

func (h keytabHandle) Principal() krb5.Principal { return h.principal }
func (h keytabHandle) Keys() KeySet              { return h.keys }
