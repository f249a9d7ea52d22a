package kdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/kardianos/gokdc/kdclog"
	"github.com/kardianos/gokdc/krb5"
)

// Key namespace:
//
//	p:<name>@<REALM>   Entry (JSON)
const prefixPrincipal = "p:"

func keyPrincipal(p krb5.Principal) []byte {
	return []byte(prefixPrincipal + key(p))
}

// Badger is a Database persisted with BadgerDB.
type Badger struct {
	db *badgerdb.DB
}

var _ Database = (*Badger)(nil)

// OpenBadger opens or creates the database in dir. An empty dir keeps the
// database in memory.
func OpenBadger(dir string, log *kdclog.Logger) (*Badger, error) {
	opts := badgerdb.DefaultOptions(dir).WithLogger(badgerLogger{log})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kdb: open badger %q: %w", dir, err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Get(ctx context.Context, p krb5.Principal) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var e *Entry
	err := b.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyPrincipal(p))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrPrincipalUnknown, p)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			e = &Entry{}
			return json.Unmarshal(val, e)
		})
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (b *Badger) Put(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("kdb: marshal %s: %w", e.Principal, err)
	}
	return b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(keyPrincipal(e.Principal), data)
	})
}

func (b *Badger) Add(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("kdb: marshal %s: %w", e.Principal, err)
	}
	k := keyPrincipal(e.Principal)
	return b.db.Update(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(k)
		if err == nil {
			return fmt.Errorf("%w: %s", ErrPrincipalExists, e.Principal)
		}
		if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}
		return txn.Set(k, data)
	})
}

func (b *Badger) Delete(ctx context.Context, p krb5.Principal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := keyPrincipal(p)
	return b.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(k); errors.Is(err, badgerdb.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrPrincipalUnknown, p)
		} else if err != nil {
			return err
		}
		return txn.Delete(k)
	})
}

// List returns the entries in key order.
func (b *Badger) List(ctx context.Context) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*Entry
	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixPrincipal)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				e := &Entry{}
				if err := json.Unmarshal(val, e); err != nil {
					return err
				}
				out = append(out, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("kdb: list: %w", err)
	}
	return out, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// badgerLogger routes badger's own logging to the db area.
type badgerLogger struct {
	log *kdclog.Logger
}

func (l badgerLogger) Errorf(f string, v ...any) {
	l.log.Errorf(kdclog.AreaDB, "%s", strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Warningf(f string, v ...any) {
	l.log.Printf(kdclog.AreaDB, "%s", strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Infof(f string, v ...any) {
	l.log.Debugf(kdclog.AreaDB, "%s", strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Debugf(f string, v ...any) {
	l.log.Tracef(kdclog.AreaDB, "%s", strings.TrimSpace(fmt.Sprintf(f, v...)))
}
