package kdc

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/jcmturner/gokrb5/v8/iana/nametype"
	"github.com/jcmturner/gokrb5/v8/iana/patype"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kardianos/gokdc/client"
	"github.com/kardianos/gokdc/kdb"
	"github.com/kardianos/gokdc/kdclog"
	"github.com/kardianos/gokdc/keystore"
	"github.com/kardianos/gokdc/krb5"
)

const (
	testRealm   = "EXAMPLE.COM"
	alicePass   = "alice-password"
	servicePass = "service-secret"
)

var testPeer = &net.UDPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 50000}

type testKDC struct {
	ctx     *Context
	handler *Handler
	db      *kdb.Memory
	service krb5.Principal
	clock   *time.Time
}

// newTestKDC builds a KDC for EXAMPLE.COM with alice, bob (no
// pre-authentication) and HTTP/www.example.com.
func newTestKDC(t *testing.T, mod func(*Options)) *testKDC {
	t.Helper()
	ctx := context.Background()
	db := kdb.NewMemory()

	tgs, err := kdb.EnsureTGS(ctx, db, testRealm, krb5.DefaultETypes)
	if err != nil {
		t.Fatalf("EnsureTGS: %v", err)
	}
	derived := keystore.NewDerivedSource()
	derived.Set(keystore.CallerKDC, tgs.Keys)

	add := func(name, password string, preauth bool) krb5.Principal {
		p, err := krb5.ParsePrincipal(name, testRealm)
		if err != nil {
			t.Fatal(err)
		}
		e, err := kdb.NewEntry(p, password, 1, krb5.DefaultETypes)
		if err != nil {
			t.Fatalf("NewEntry(%s): %v", name, err)
		}
		e.DisablePreauth = !preauth
		if err := db.Add(ctx, e); err != nil {
			t.Fatalf("Add(%s): %v", name, err)
		}
		return p
	}
	add("alice", alicePass, true)
	add("bob", "bob-password", false)
	service := add("HTTP/www.example.com", servicePass, true)

	clock := time.Now()
	o := Options{
		Realm: testRealm,
		DB:    db,
		Keys:  &keystore.Adapter{Derived: derived},
		Now:   func() time.Time { return clock },
	}
	if testing.Verbose() {
		o.Log = kdclog.New(os.Stderr)
		o.Log.SetVerbosity(kdclog.LevelTrace)
	}
	if mod != nil {
		mod(&o)
	}
	c, err := NewContext(o)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return &testKDC{ctx: c, handler: NewHandler(c), db: db, service: service, clock: &clock}
}

// client returns a client whose messages go straight to the handler.
func (k *testKDC) client(name, password string, cfg client.Config) *client.Client {
	p, _ := krb5.ParsePrincipal(name, testRealm)
	cfg.Send = func(ctx context.Context, data []byte) ([]byte, error) {
		resp, err := k.handler.HandleMessage(data, false, testPeer)
		if err != nil {
			return k.handler.ErrorReply(err, false)
		}
		return resp, nil
	}
	cfg.Now = func() time.Time { return *k.clock }
	return client.New(p, password, cfg)
}

func asReq(cname krb5.PrincipalName, realm string) *krb5.ASReq {
	return &krb5.ASReq{KDCReq: krb5.KDCReq{
		PVNO:    krb5.PVNO,
		MsgType: msgtype.KRB_AS_REQ,
		ReqBody: krb5.KDCReqBody{
			KDCOptions: krb5.NewFlags(),
			CName:      cname,
			Realm:      realm,
			SName:      krb5.TGSName(testRealm),
			Till:       time.Now().Add(time.Hour).UTC().Truncate(time.Second),
			Nonce:      12345,
			EType:      krb5.DefaultETypes,
		},
	}}
}

func encode(t *testing.T, m krb5.Message) []byte {
	t.Helper()
	b, err := krb5.DERCodec{}.Encode(m)
	if err != nil {
		t.Fatalf("Encode %T: %v", m, err)
	}
	return b
}

func krbError(t *testing.T, b []byte) *krb5.KRBError {
	t.Helper()
	m, err := krb5.DERCodec{}.Decode(b)
	if err != nil {
		t.Fatalf("Decode reply: %v", err)
	}
	e, ok := m.(*krb5.KRBError)
	if !ok {
		t.Fatalf("reply is %T, want KRB-ERROR", m)
	}
	return e
}

func TestNewContext(t *testing.T) {
	db := kdb.NewMemory()
	keys := &keystore.Adapter{}
	if _, err := NewContext(Options{DB: db, Keys: keys}); err == nil {
		t.Error("missing realm accepted")
	}
	if _, err := NewContext(Options{Realm: testRealm, Keys: keys}); err == nil {
		t.Error("missing database accepted")
	}
	if _, err := NewContext(Options{Realm: testRealm, DB: db}); err == nil {
		t.Error("missing key store accepted")
	}
	if _, err := NewContext(Options{Realm: testRealm, DB: db, Keys: keys, Policy: Policy{ETypes: []int32{23}}}); err == nil {
		t.Error("rc4-hmac accepted")
	}
	c, err := NewContext(Options{Realm: testRealm, DB: db, Keys: keys})
	if err != nil {
		t.Fatal(err)
	}
	if p := c.Policy(); p.TicketLifetime != 10*time.Hour || p.MaxClockSkew != 5*time.Minute || len(p.ETypes) != 2 {
		t.Errorf("default policy %+v", p)
	}
	if c.TGSPrincipal().String() != "krbtgt/EXAMPLE.COM@EXAMPLE.COM" {
		t.Errorf("TGSPrincipal = %s", c.TGSPrincipal())
	}
	if _, ok := c.Codec().(krb5.DERCodec); !ok {
		t.Errorf("default codec %T", c.Codec())
	}
}

func TestHandleMessageDecodeFailed(t *testing.T) {
	k := newTestKDC(t, nil)
	good := encode(t, asReq(krb5.NewPrincipalName(nametype.KRB_NT_PRINCIPAL, "alice"), testRealm))
	inputs := map[string][]byte{
		"empty":     nil,
		"one byte":  {0x6a},
		"not app":   {0x30, 0x03, 0x02, 0x01, 0x05},
		"unknown":   {0x7f, 0x30, 0x00},
		"truncated": good[:len(good)-3],
		"trailing":  append(append([]byte{}, good...), 0x00),
		"garbage":   bytes.Repeat([]byte{0xff}, 40),
	}
	for name, in := range inputs {
		out, err := k.handler.HandleMessage(in, false, testPeer)
		if !errors.Is(err, ErrDecodeFailed) {
			t.Errorf("%s: err = %v, want ErrDecodeFailed", name, err)
		}
		if !errors.Is(err, krb5.ErrDecode) {
			t.Errorf("%s: err = %v does not wrap the decode error", name, err)
		}
		if out != nil {
			t.Errorf("%s: reply %x", name, out)
		}
	}
}

func TestHandleMessageUnsupportedType(t *testing.T) {
	k := newTestKDC(t, nil)
	ap := &krb5.APReq{
		PVNO:    krb5.PVNO,
		MsgType: msgtype.KRB_AP_REQ,
		Ticket: krb5.Ticket{
			TktVNO:  krb5.PVNO,
			Realm:   testRealm,
			SName:   krb5.TGSName(testRealm),
			EncPart: krb5.EncryptedData{EType: 18, KVNO: 1, Cipher: []byte("x")},
		},
		Authenticator: krb5.EncryptedData{EType: 18, Cipher: []byte("y")},
	}
	msgs := []krb5.Message{
		ap,
		krb5.NewKRBError(testRealm, krb5.TGSName(testRealm), errorcode.KRB_ERR_GENERIC, ""),
		&krb5.APRep{PVNO: krb5.PVNO, MsgType: msgtype.KRB_AP_REP, EncPart: krb5.EncryptedData{EType: 18, Cipher: []byte("z")}},
	}
	for _, typ := range []int{msgtype.KRB_SAFE, msgtype.KRB_PRIV, msgtype.KRB_CRED} {
		body := []byte{0x30, 0x0a, 0xa0, 0x03, 0x02, 0x01, 0x05, 0xa1, 0x03, 0x02, 0x01, byte(typ)}
		msgs = append(msgs, &krb5.OtherMessage{Type: typ, Body: body})
	}
	for _, m := range msgs {
		_, err := k.handler.HandleMessage(encode(t, m), true, testPeer)
		if !errors.Is(err, ErrUnsupportedMessageType) {
			t.Fatalf("%T: err = %v", m, err)
		}
		var mte *MessageTypeError
		if !errors.As(err, &mte) || mte.Type != m.MessageType() {
			t.Fatalf("%T: err = %#v", m, err)
		}
	}
}

func TestHandleMessageRealm(t *testing.T) {
	k := newTestKDC(t, nil)
	alice := krb5.NewPrincipalName(nametype.KRB_NT_PRINCIPAL, "alice")

	_, err := k.handler.HandleMessage(encode(t, asReq(alice, "OTHER.COM")), false, testPeer)
	var re *RealmError
	if !errors.Is(err, ErrRealmMismatch) || !errors.As(err, &re) || re.Realm != "OTHER.COM" || re.Want != testRealm {
		t.Fatalf("OTHER.COM: err = %v", err)
	}

	// Realms compare exactly.
	_, err = k.handler.HandleMessage(encode(t, asReq(alice, "example.com")), false, testPeer)
	if !errors.Is(err, ErrRealmMismatch) {
		t.Fatalf("example.com: err = %v", err)
	}

	_, err = k.handler.HandleMessage(encode(t, asReq(alice, "")), false, testPeer)
	if !errors.As(err, &re) || re.Realm != "" {
		t.Fatalf("no realm: err = %v", err)
	}

	// An enterprise client name supplies the realm when the body has none.
	ent := krb5.NewPrincipalName(nametype.KRB_NT_ENTERPRISE, "alice@EXAMPLE.COM")
	out, err := k.handler.HandleMessage(encode(t, asReq(ent, "")), false, testPeer)
	if err != nil {
		t.Fatalf("enterprise name: %v", err)
	}
	if e := krbError(t, out); e.ErrorCode != errorcode.KDC_ERR_PREAUTH_REQUIRED {
		t.Fatalf("enterprise name: error code %d", e.ErrorCode)
	}

	ent = krb5.NewPrincipalName(nametype.KRB_NT_ENTERPRISE, "alice@OTHER.COM")
	if _, err := k.handler.HandleMessage(encode(t, asReq(ent, "")), false, testPeer); !errors.Is(err, ErrRealmMismatch) {
		t.Fatalf("enterprise name in OTHER.COM: err = %v", err)
	}
}

func TestTGSRealmFromEnterpriseName(t *testing.T) {
	k := newTestKDC(t, nil)
	req := &krb5.TGSReq{KDCReq: asReq(krb5.NewPrincipalName(nametype.KRB_NT_ENTERPRISE, "alice@EXAMPLE.COM"), "").KDCReq}
	req.MsgType = msgtype.KRB_TGS_REQ
	out, err := k.handler.HandleMessage(encode(t, req), false, testPeer)
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if e := krbError(t, out); e.ErrorCode != errorcode.KDC_ERR_PADATA_TYPE_NOSUPP {
		t.Fatalf("error code %d, want PADATA_TYPE_NOSUPP", e.ErrorCode)
	}
}

func TestHandleMessageFraming(t *testing.T) {
	k := newTestKDC(t, nil)
	in := encode(t, asReq(krb5.NewPrincipalName(nametype.KRB_NT_PRINCIPAL, "alice"), testRealm))

	dgram, err := k.handler.HandleMessage(in, false, testPeer)
	if err != nil {
		t.Fatal(err)
	}
	krbError(t, dgram)

	stream, err := k.handler.HandleMessage(in, true, testPeer)
	if err != nil {
		t.Fatal(err)
	}
	if len(stream) < 4 {
		t.Fatalf("stream reply of %d bytes", len(stream))
	}
	if n := binary.BigEndian.Uint32(stream); int(n) != len(stream)-4 {
		t.Fatalf("length prefix %d, body %d bytes", n, len(stream)-4)
	}
	e := krbError(t, stream[4:])
	if e.ErrorCode != errorcode.KDC_ERR_PREAUTH_REQUIRED {
		t.Fatalf("error code %d", e.ErrorCode)
	}
	// Bodies differ only in their timestamps, so compare sizes.
	if len(stream)-4 != len(dgram) {
		t.Fatalf("stream body %d bytes, datagram %d", len(stream)-4, len(dgram))
	}
}

func TestPreauthRequiredHints(t *testing.T) {
	k := newTestKDC(t, nil)
	out, err := k.handler.HandleMessage(encode(t, asReq(krb5.NewPrincipalName(nametype.KRB_NT_PRINCIPAL, "alice"), testRealm)), false, testPeer)
	if err != nil {
		t.Fatal(err)
	}
	e := krbError(t, out)
	if e.ErrorCode != errorcode.KDC_ERR_PREAUTH_REQUIRED || e.Realm != testRealm {
		t.Fatalf("KRB-ERROR %d realm %q", e.ErrorCode, e.Realm)
	}
	pas, err := krb5.UnmarshalMethodData(e.EData)
	if err != nil {
		t.Fatalf("METHOD-DATA: %v", err)
	}
	var info []krb5.ETypeInfo2Entry
	for _, pa := range pas {
		if pa.PADataType == patype.PA_ETYPE_INFO2 {
			if info, err = krb5.UnmarshalETypeInfo2(pa.PADataValue); err != nil {
				t.Fatal(err)
			}
		}
	}
	if len(info) != 1 || info[0].EType != krb5.DefaultETypes[0] || info[0].Salt != "EXAMPLE.COMalice" {
		t.Fatalf("ETYPE-INFO2 %+v", info)
	}
	if it := binary.BigEndian.Uint32(info[0].S2KParams); it != krb5.DefaultIterations {
		t.Fatalf("iterations %d", it)
	}
}

func TestASErrors(t *testing.T) {
	k := newTestKDC(t, nil)
	ctx := context.Background()
	tests := []struct {
		name, user, password string
		cfg                  client.Config
		code                 int32
	}{
		{name: "unknown client", user: "mallory", password: "x", code: errorcode.KDC_ERR_C_PRINCIPAL_UNKNOWN},
		{name: "wrong password", user: "alice", password: "wrong", code: errorcode.KDC_ERR_PREAUTH_FAILED},
		{name: "no common enctype", user: "alice", password: alicePass, cfg: client.Config{ETypes: []int32{23}}, code: errorcode.KDC_ERR_ETYPE_NOSUPP},
	}
	for _, tt := range tests {
		c := k.client(tt.user, tt.password, tt.cfg)
		if err := c.Login(ctx); client.Code(err) != tt.code {
			t.Errorf("%s: err = %v, want code %d", tt.name, err, tt.code)
		}
	}

	c := k.client("alice", alicePass, client.Config{})
	if _, err := c.InitialTicket(ctx, krb5.NewPrincipalName(nametype.KRB_NT_SRV_INST, "HTTP/nowhere.example.com")); client.Code(err) != errorcode.KDC_ERR_S_PRINCIPAL_UNKNOWN {
		t.Errorf("unknown server: err = %v", err)
	}
}

func TestASClockSkew(t *testing.T) {
	k := newTestKDC(t, nil)
	c := k.client("alice", alicePass, client.Config{})
	// Client clock runs ten minutes behind the KDC's.
	c2 := client.New(krb5.Principal{Name: krb5.NewPrincipalName(nametype.KRB_NT_PRINCIPAL, "alice"), Realm: testRealm}, alicePass, client.Config{
		Send: func(ctx context.Context, data []byte) ([]byte, error) {
			return k.handler.HandleMessage(data, false, testPeer)
		},
		Now: func() time.Time { return k.clock.Add(-10 * time.Minute) },
	})
	if err := c2.Login(context.Background()); client.Code(err) != errorcode.KRB_AP_ERR_SKEW {
		t.Fatalf("skewed client: err = %v", err)
	}
	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("in-sync client: %v", err)
	}
}

func TestASExchange(t *testing.T) {
	k := newTestKDC(t, nil)
	ctx := context.Background()

	c := k.client("alice", alicePass, client.Config{Lifetime: 2 * time.Hour})
	tgt, err := c.TGT(ctx)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !tgt.Ticket.SName.Equal(krb5.TGSName(testRealm)) || tgt.Ticket.Realm != testRealm {
		t.Fatalf("TGT for %s@%s", tgt.Ticket.SName, tgt.Ticket.Realm)
	}
	if !krb5.FlagSet(tgt.Part.Flags, krb5.FlagInitial) || !krb5.FlagSet(tgt.Part.Flags, krb5.FlagPreAuthent) {
		t.Fatalf("TGT flags %x", tgt.Part.Flags.Bytes)
	}
	want := k.clock.Add(2 * time.Hour).UTC().Truncate(time.Second)
	if !tgt.EndTime().Equal(want) {
		t.Fatalf("TGT ends %v, want %v", tgt.EndTime(), want)
	}

	// The ticket is sealed in the krbtgt key and names alice.
	keys, err := kdb.TGSKeys(ctx, k.db, testRealm)
	if err != nil {
		t.Fatal(err)
	}
	key, err := keystore.Select(keys, tgt.Ticket.EncPart.EType, tgt.Ticket.EncPart.KVNO)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := krb5.Decrypt(key.EncryptionKey(), 2, tgt.Ticket.EncPart)
	if err != nil {
		t.Fatalf("decrypt TGT: %v", err)
	}
	var et krb5.EncTicketPart
	if err := et.Unmarshal(plain); err != nil {
		t.Fatal(err)
	}
	if et.CRealm != testRealm || et.CName.String() != "alice" || !bytes.Equal(et.Key.KeyValue, tgt.SessionKey.KeyValue) {
		t.Fatalf("EncTicketPart %+v", et)
	}
}

func TestASWithoutPreauth(t *testing.T) {
	k := newTestKDC(t, nil)
	c := k.client("bob", "bob-password", client.Config{})
	tgt, err := c.TGT(context.Background())
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if krb5.FlagSet(tgt.Part.Flags, krb5.FlagPreAuthent) {
		t.Fatal("PRE-AUTHENT set without pre-authentication")
	}
}

func TestTGSExchange(t *testing.T) {
	for _, subkey := range []bool{false, true} {
		k := newTestKDC(t, nil)
		ctx := context.Background()
		c := k.client("alice", alicePass, client.Config{SubKey: subkey})
		svc, err := c.ServiceTicket(ctx, k.service.Name)
		if err != nil {
			t.Fatalf("subkey=%v: ServiceTicket: %v", subkey, err)
		}
		tgt, _ := c.TGT(ctx)
		if !svc.Ticket.SName.SameName(k.service.Name) || svc.Part.SRealm != testRealm {
			t.Fatalf("service ticket for %s@%s", svc.Ticket.SName, svc.Part.SRealm)
		}
		if svc.EndTime().After(tgt.EndTime()) {
			t.Fatalf("service ticket outlives the TGT: %v > %v", svc.EndTime(), tgt.EndTime())
		}
		if !krb5.FlagSet(svc.Part.Flags, krb5.FlagPreAuthent) || krb5.FlagSet(svc.Part.Flags, krb5.FlagInitial) {
			t.Fatalf("service ticket flags %x", svc.Part.Flags.Bytes)
		}
		if !svc.Part.AuthTime.Equal(tgt.Part.AuthTime) {
			t.Fatalf("authtime %v, TGT %v", svc.Part.AuthTime, tgt.Part.AuthTime)
		}
	}
}

func TestTGSErrors(t *testing.T) {
	k := newTestKDC(t, nil)
	ctx := context.Background()
	c := k.client("alice", alicePass, client.Config{})
	_, err := c.ServiceTicket(ctx, krb5.NewPrincipalName(nametype.KRB_NT_SRV_INST, "HTTP/nowhere.example.com"))
	if client.Code(err) != errorcode.KDC_ERR_S_PRINCIPAL_UNKNOWN {
		t.Fatalf("unknown server: err = %v", err)
	}

	// A TGT sealed under a key the KDC no longer has. Derived keys are
	// matched on enctype only, so the newer key is tried and fails.
	tgs, err := kdb.NewRandomEntry(k.ctx.TGSPrincipal(), 2, krb5.DefaultETypes)
	if err != nil {
		t.Fatal(err)
	}
	k.ctx.keys.(*keystore.Adapter).Derived.Set(keystore.CallerKDC, tgs.Keys)
	_, err = c.ServiceTicket(ctx, k.service.Name)
	if code := client.Code(err); code != errorcode.KRB_AP_ERR_BAD_INTEGRITY {
		t.Fatalf("rotated krbtgt: err = %v", err)
	}
}

func TestTGSAfterKrbtgtRotation(t *testing.T) {
	k := newTestKDC(t, nil)
	ctx := context.Background()

	e, err := k.db.Get(ctx, k.ctx.TGSPrincipal())
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Rotate("new krbtgt secret", krb5.DefaultETypes); err != nil {
		t.Fatal(err)
	}
	if err := k.db.Put(ctx, e); err != nil {
		t.Fatal(err)
	}
	k.ctx.keys.(*keystore.Adapter).Derived.Set(keystore.CallerKDC, e.Keys)

	c := k.client("alice", alicePass, client.Config{})
	tgt, err := c.TGT(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if kvno := tgt.Ticket.EncPart.KVNO; kvno != 2 {
		t.Fatalf("TGT sealed with kvno %d, want 2", kvno)
	}
	if _, err := c.ServiceTicket(ctx, k.service.Name); err != nil {
		t.Fatalf("TGS after rotation: %v", err)
	}
}

func TestTGSBodyChecksum(t *testing.T) {
	k := newTestKDC(t, nil)
	ctx := context.Background()
	c := k.client("alice", alicePass, client.Config{})
	tgt, err := c.TGT(ctx)
	if err != nil {
		t.Fatal(err)
	}

	req, err := c.NewTGSReq(tgt, k.service.Name, krb5.EncryptionKey{})
	if err != nil {
		t.Fatal(err)
	}
	out, err := k.handler.HandleMessage(encode(t, req), false, testPeer)
	if err != nil {
		t.Fatal(err)
	}
	if m, err := (krb5.DERCodec{}).Decode(out); err != nil || m.MessageType() != msgtype.KRB_TGS_REP {
		t.Fatalf("untouched request: got %T, %v", m, err)
	}

	req, err = c.NewTGSReq(tgt, k.service.Name, krb5.EncryptionKey{})
	if err != nil {
		t.Fatal(err)
	}
	req.ReqBody.Till = req.ReqBody.Till.Add(time.Hour)
	out, err = k.handler.HandleMessage(encode(t, req), false, testPeer)
	if err != nil {
		t.Fatal(err)
	}
	if e := krbError(t, out); e.ErrorCode != errorcode.KRB_AP_ERR_MODIFIED {
		t.Fatalf("modified body: error code %d, want AP_ERR_MODIFIED", e.ErrorCode)
	}

	ap, err := c.APReq(tgt, false)
	if err != nil {
		t.Fatal(err)
	}
	req.PAData = []krb5.PAData{{PADataType: patype.PA_TGS_REQ, PADataValue: encode(t, ap)}}
	out, err = k.handler.HandleMessage(encode(t, req), false, testPeer)
	if err != nil {
		t.Fatal(err)
	}
	if e := krbError(t, out); e.ErrorCode != errorcode.KRB_AP_ERR_INAPP_CKSUM {
		t.Fatalf("no checksum: error code %d, want AP_ERR_INAPP_CKSUM", e.ErrorCode)
	}
}

func TestTGSWithoutCredential(t *testing.T) {
	k := newTestKDC(t, nil)
	ctx := context.Background()
	c := k.client("alice", alicePass, client.Config{})
	if _, err := c.TGT(ctx); err != nil {
		t.Fatal(err)
	}
	// The AS exchange reads krbtgt from the key store too, so drop the
	// keys only after the TGT is issued.
	k.ctx.keys.(*keystore.Adapter).Derived.Publish(nil)
	req := &krb5.TGSReq{KDCReq: asReq(krb5.NewPrincipalName(nametype.KRB_NT_PRINCIPAL, "alice"), testRealm).KDCReq}
	req.MsgType = msgtype.KRB_TGS_REQ
	tgt, _ := c.TGT(ctx)
	ap, err := c.APReq(tgt, false)
	if err != nil {
		t.Fatal(err)
	}
	req.PAData = []krb5.PAData{{PADataType: patype.PA_TGS_REQ, PADataValue: encode(t, ap)}}
	if _, err := k.handler.HandleMessage(encode(t, req), false, testPeer); err == nil {
		t.Fatal("TGS-REQ succeeded without a krbtgt credential")
	}
}

func TestLifetime(t *testing.T) {
	k := newTestKDC(t, nil)
	r := &request{kdc: k.ctx}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		till    time.Time
		maxLife time.Duration
		limit   time.Time
		want    time.Time
		ok      bool
	}{
		{name: "policy", want: now.Add(10 * time.Hour), ok: true},
		{name: "till", till: now.Add(time.Hour), want: now.Add(time.Hour), ok: true},
		{name: "max life", maxLife: 2 * time.Hour, want: now.Add(2 * time.Hour), ok: true},
		{name: "limit", till: now.Add(20 * time.Hour), limit: now.Add(3 * time.Hour), want: now.Add(3 * time.Hour), ok: true},
		{name: "past", till: now.Add(-time.Minute), want: now.Add(-time.Minute), ok: false},
	}
	for _, tt := range tests {
		end, ok := r.lifetime(now, tt.till, tt.maxLife, tt.limit)
		if !end.Equal(tt.want) || ok != tt.ok {
			t.Errorf("%s: lifetime = %v, %v; want %v, %v", tt.name, end, ok, tt.want, tt.ok)
		}
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	k := newTestKDC(t, func(o *Options) { o.Metrics = NewMetrics(reg) })
	alice := krb5.NewPrincipalName(nametype.KRB_NT_PRINCIPAL, "alice")
	k.handler.HandleMessage(encode(t, asReq(alice, testRealm)), false, testPeer)
	k.handler.HandleMessage([]byte{0x00}, false, testPeer)
	k.handler.HandleMessage(encode(t, asReq(alice, "OTHER.COM")), false, testPeer)

	got := map[string]float64{}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			for _, l := range m.GetLabel() {
				name += "," + l.GetName() + "=" + l.GetValue()
			}
			if c := m.GetCounter(); c != nil {
				got[name] = c.GetValue()
			}
		}
	}
	want := map[string]float64{
		"kdc_requests_total,result=krb_error,type=as": 1,
		"kdc_requests_total,result=failed,type=other": 1,
		"kdc_requests_total,result=failed,type=as":    1,
		"kdc_krb_errors_total,code=25":                1,
	}
	for name, v := range want {
		if got[name] != v {
			t.Errorf("%s = %v, want %v (all: %v)", name, got[name], v, got)
		}
	}
}

func TestErrorReply(t *testing.T) {
	k := newTestKDC(t, nil)
	tests := []struct {
		err  error
		code int32
	}{
		{&RealmError{Realm: "OTHER.COM", Want: testRealm}, errorcode.KDC_ERR_WRONG_REALM},
		{ErrDecodeFailed, errorcode.KRB_ERR_GENERIC},
		{&MessageTypeError{Type: 14}, errorcode.KRB_ERR_GENERIC},
		{errors.New("disk on fire"), errorcode.KRB_ERR_GENERIC},
	}
	for _, tt := range tests {
		out, err := k.handler.ErrorReply(tt.err, true)
		if err != nil {
			t.Fatal(err)
		}
		if n := binary.BigEndian.Uint32(out); int(n) != len(out)-4 {
			t.Fatalf("length prefix %d for %d bytes", n, len(out)-4)
		}
		if e := krbError(t, out[4:]); e.ErrorCode != tt.code || e.Realm != testRealm {
			t.Errorf("%v: code %d realm %q", tt.err, e.ErrorCode, e.Realm)
		}
	}
}

func TestRequestReplyBeforeProcess(t *testing.T) {
	k := newTestKDC(t, nil)
	var r Request = NewASRequest(asReq(krb5.NewPrincipalName(nametype.KRB_NT_PRINCIPAL, "alice"), testRealm), k.ctx)
	if r.Reply() != nil {
		t.Fatal("reply before Process")
	}
	r.SetClientAddress(testPeer)
	r.SetStreamTransport(true)
	as := r.(*ASRequest)
	if as.ClientAddress() != testPeer || !as.StreamTransport() {
		t.Fatal("setters not applied")
	}
	if err := r.Process(); err != nil || r.Reply() == nil {
		t.Fatalf("Process: %v, reply %v", err, r.Reply())
	}
}
