package keystore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/etypeID"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kardianos/gokdc/krb5"
)

func mustPrincipal(t *testing.T, s string) krb5.Principal {
	t.Helper()
	p, err := krb5.ParsePrincipal(s, "")
	require.NoError(t, err)
	return p
}

func key(p krb5.Principal, etype int32, kvno int) LongTermKey {
	return LongTermKey{Principal: p, EType: etype, KVNO: kvno, Value: []byte{byte(etype), byte(kvno)}}
}

func TestSelectExactVersion(t *testing.T) {
	p := mustPrincipal(t, "HTTP/web.example.com@EXAMPLE.COM")
	keys := KeySet{key(p, 18, 1), key(p, 18, 2), key(p, 18, 3), key(p, 17, 2)}

	for i := 0; i < 10; i++ {
		k, err := Select(keys, 18, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, k.KVNO)
		assert.Equal(t, int32(18), k.EType)
	}

	_, err := Select(keys, 18, 5)
	require.ErrorIs(t, err, ErrNoMatchingKey)
	var ke *KeyError
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, int32(18), ke.EType)
	assert.Equal(t, 5, ke.KVNO)
}

func TestSelectAnyVersion(t *testing.T) {
	p := mustPrincipal(t, "HTTP/web.example.com@EXAMPLE.COM")
	keys := KeySet{key(p, 18, 1), key(p, 18, 2)}

	k, err := Select(keys, 18, AnyKVNO)
	require.NoError(t, err)
	assert.Contains(t, []int{1, 2}, k.KVNO)

	_, err = Select(keys, 17, AnyKVNO)
	assert.ErrorIs(t, err, ErrNoMatchingKey)

	_, err = Select(nil, 18, AnyKVNO)
	assert.ErrorIs(t, err, ErrNoMatchingKey)
}

func TestSelectDoesNotModifyInput(t *testing.T) {
	p := mustPrincipal(t, "alice@EXAMPLE.COM")
	keys := KeySet{key(p, 17, 1), key(p, 18, 2), key(p, 18, 1)}
	before := append(KeySet(nil), keys...)
	_, _ = Select(keys, 18, 1)
	_, _ = Latest(keys, 18)
	assert.Equal(t, before, keys)
}

func TestLatest(t *testing.T) {
	p := mustPrincipal(t, "krbtgt/EXAMPLE.COM@EXAMPLE.COM")
	keys := KeySet{key(p, 18, 2), key(p, 18, 7), key(p, 18, 3), key(p, 17, 9)}
	k, err := Latest(keys, 18)
	require.NoError(t, err)
	assert.Equal(t, 7, k.KVNO)

	_, err = Latest(keys, 23)
	assert.ErrorIs(t, err, ErrNoMatchingKey)
}

func TestKeySetFor(t *testing.T) {
	a := mustPrincipal(t, "HTTP/a.example.com@EXAMPLE.COM")
	b := mustPrincipal(t, "HTTP/b.example.com@EXAMPLE.COM")
	keys := KeySet{key(a, 18, 1), key(b, 18, 1), key(a, 17, 1)}

	assert.Len(t, keys.For(a), 2)
	assert.Equal(t, []krb5.Principal{a, b}, keys.Principals())
	assert.Equal(t, []int32{18, 17}, keys.ETypes())

	// Name type is not part of a key lookup.
	plain := a
	plain.Name.NameType = 1
	assert.Len(t, keys.For(plain), 2)

	other := a
	other.Realm = "OTHER.COM"
	assert.Empty(t, keys.For(other))
}

func TestDerivedSource(t *testing.T) {
	a := mustPrincipal(t, "HTTP/a.example.com@EXAMPLE.COM")
	b := mustPrincipal(t, "HTTP/b.example.com@EXAMPLE.COM")
	d := NewDerivedSource()

	_, ok := d.Lookup(CallerAccept, nil)
	assert.False(t, ok)

	set := KeySet{key(a, 18, 1), key(b, 18, 1)}
	d.Publish(map[Caller]KeySet{CallerAccept: set})
	set[0].KVNO = 99

	all, ok := d.Lookup(CallerAccept, nil)
	require.True(t, ok)
	assert.Len(t, all, 2)
	assert.Equal(t, 1, all[0].KVNO, "Publish must copy")

	only, ok := d.Lookup(CallerAccept, &b)
	require.True(t, ok)
	assert.Equal(t, KeySet{key(b, 18, 1)}, only)

	_, ok = d.Lookup(CallerKDC, nil)
	assert.False(t, ok)

	d.Set(CallerKDC, KeySet{key(a, 17, 4)})
	got, ok := d.Lookup(CallerKDC, &a)
	require.True(t, ok)
	assert.Equal(t, 4, got[0].KVNO)
	_, ok = d.Lookup(CallerAccept, nil)
	assert.True(t, ok, "Set must leave other callers")

	missing := mustPrincipal(t, "nobody@EXAMPLE.COM")
	_, ok = d.Lookup(CallerAccept, &missing)
	assert.False(t, ok)
}

func TestDerivedSourceNewestFirst(t *testing.T) {
	a := mustPrincipal(t, "krbtgt/EXAMPLE.COM@EXAMPLE.COM")
	d := NewDerivedSource()

	d.Set(CallerKDC, KeySet{key(a, 18, 1), key(a, 17, 1), key(a, 18, 2), key(a, 17, 2)})
	got, ok := d.Lookup(CallerKDC, nil)
	require.True(t, ok)
	k, err := Select(got, 18, AnyKVNO)
	require.NoError(t, err)
	assert.Equal(t, 2, k.KVNO)
	latest, err := Latest(got, 18)
	require.NoError(t, err)
	assert.Equal(t, latest, k)

	d.Publish(map[Caller]KeySet{CallerAccept: {key(a, 17, 3), key(a, 17, 5), key(a, 17, 4)}})
	got, _ = d.Lookup(CallerAccept, &a)
	assert.Equal(t, []int{5, 4, 3}, []int{got[0].KVNO, got[1].KVNO, got[2].KVNO})
}

func testKeytab(t *testing.T) []byte {
	t.Helper()
	svc := mustPrincipal(t, "HTTP/web.example.com@EXAMPLE.COM")
	kt, err := NewPasswordKeytab(svc, "web-pass", 2, krb5.DefaultETypes)
	require.NoError(t, err)
	host := mustPrincipal(t, "host/web.example.com@EXAMPLE.COM")
	require.NoError(t, kt.AddEntry(host.Name.String(), host.Realm, "host-pass", time.Now(), 1, etypeID.AES256_CTS_HMAC_SHA1_96))
	require.NoError(t, kt.AddEntry(svc.Name.String(), svc.Realm, "web-pass-old", time.Now().Add(-time.Hour), 1, etypeID.AES256_CTS_HMAC_SHA1_96))
	b, err := kt.Marshal()
	require.NoError(t, err)
	return b
}

func TestKeytabSourceLookup(t *testing.T) {
	src, err := ParseKeytab(testKeytab(t), nil)
	require.NoError(t, err)

	svc := mustPrincipal(t, "HTTP/web.example.com@EXAMPLE.COM")
	kt, ok := src.Lookup(nil)
	require.True(t, ok)
	assert.True(t, svc.Name.SameName(kt.Principal().Name), "first entry is the default")
	assert.Len(t, kt.Keys(), 3)

	host := mustPrincipal(t, "host/web.example.com@EXAMPLE.COM")
	kt, ok = src.Lookup(&host)
	require.True(t, ok)
	assert.Equal(t, host, kt.Principal())
	assert.Len(t, kt.Keys(), 1)

	missing := mustPrincipal(t, "HTTP/other.example.com@EXAMPLE.COM")
	_, ok = src.Lookup(&missing)
	assert.False(t, ok)
}

func TestKeytabSourceDefaultPrincipal(t *testing.T) {
	host := mustPrincipal(t, "host/web.example.com@EXAMPLE.COM")
	src, err := ParseKeytab(testKeytab(t), &host)
	require.NoError(t, err)
	kt, ok := src.Lookup(nil)
	require.True(t, ok)
	assert.Equal(t, host, kt.Principal())

	absent := mustPrincipal(t, "HTTP/gone.example.com@EXAMPLE.COM")
	src, err = ParseKeytab(testKeytab(t), &absent)
	require.NoError(t, err)
	_, ok = src.Lookup(nil)
	assert.False(t, ok)
}

// The keys read from a keytab are the ones gokrb5 itself would pick.
func TestKeytabKeysMatchGokrb5(t *testing.T) {
	b := testKeytab(t)
	src, err := ParseKeytab(b, nil)
	require.NoError(t, err)

	gkt := keytab.New()
	require.NoError(t, gkt.Unmarshal(b))

	svc := mustPrincipal(t, "HTTP/web.example.com@EXAMPLE.COM")
	kt, ok := src.Lookup(&svc)
	require.True(t, ok)
	for _, kvno := range []int{1, 2} {
		ours, err := Select(kt.Keys(), etypeID.AES256_CTS_HMAC_SHA1_96, kvno)
		require.NoError(t, err)
		theirs, _, err := gkt.GetEncryptionKey(types.PrincipalName{NameType: svc.Name.NameType, NameString: svc.Name.NameString}, svc.Realm, kvno, etypeID.AES256_CTS_HMAC_SHA1_96)
		require.NoError(t, err)
		assert.Equal(t, theirs.KeyValue, ours.Value, "kvno %d", kvno)
	}

	// Password derived keys use the default salt.
	want, err := krb5.StringToKey(etypeID.AES128_CTS_HMAC_SHA1_96, "web-pass", svc.Salt(), 0)
	require.NoError(t, err)
	got, err := Select(kt.Keys(), etypeID.AES128_CTS_HMAC_SHA1_96, 2)
	require.NoError(t, err)
	assert.Equal(t, want.KeyValue, got.Value)
}

func TestKeytabReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "krb5.keytab")
	require.NoError(t, os.WriteFile(path, testKeytab(t), 0o600))

	src, err := LoadKeytab(path, nil, nil)
	require.NoError(t, err)
	assert.Len(t, src.Keys(), 4)

	svc := mustPrincipal(t, "HTTP/web.example.com@EXAMPLE.COM")
	before, ok := src.Lookup(&svc)
	require.True(t, ok)

	next, err := NewPasswordKeytab(svc, "rotated", 3, []int32{etypeID.AES256_CTS_HMAC_SHA1_96})
	require.NoError(t, err)
	b, err := next.Marshal()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	require.NoError(t, src.Reload())

	after, ok := src.Lookup(&svc)
	require.True(t, ok)
	require.Len(t, after.Keys(), 1)
	assert.Equal(t, 3, after.Keys()[0].KVNO)

	// A handle taken before the reload still sees the old snapshot.
	assert.Len(t, before.Keys(), 3)

	// A broken file leaves the current snapshot in place.
	require.NoError(t, os.WriteFile(path, []byte{0x04, 0x02}, 0o600))
	assert.Error(t, src.Reload())
	assert.Len(t, src.Keys(), 1)
}

func TestKeytabNotReloadable(t *testing.T) {
	src, err := ParseKeytab(testKeytab(t), nil)
	require.NoError(t, err)
	assert.Error(t, src.Reload())

	_, err = ParseKeytab([]byte("not a keytab"), nil)
	assert.Error(t, err)

	_, err = LoadKeytab(filepath.Join(t.TempDir(), "missing"), nil, nil)
	assert.Error(t, err)
}

func TestAdapter(t *testing.T) {
	var empty Adapter
	_, ok := empty.LookupKeytab(nil)
	assert.False(t, ok)
	_, ok = empty.LookupDerivedKeys(CallerAccept, nil)
	assert.False(t, ok)

	src, err := ParseKeytab(testKeytab(t), nil)
	require.NoError(t, err)
	d := NewDerivedSource()
	a := mustPrincipal(t, "alice@EXAMPLE.COM")
	d.Set(CallerAccept, KeySet{key(a, 18, 1)})

	var s Store = &Adapter{Keytabs: src, Derived: d}
	_, ok = s.LookupKeytab(nil)
	assert.True(t, ok)
	keys, ok := s.LookupDerivedKeys(CallerAccept, &a)
	assert.True(t, ok)
	assert.Len(t, keys, 1)
}
