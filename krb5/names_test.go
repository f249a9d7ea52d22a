package krb5

import (
	"testing"

	"github.com/jcmturner/gokrb5/v8/iana/nametype"
)

func TestParsePrincipal(t *testing.T) {
	tests := []struct {
		in, def   string
		want      string
		nameType  int32
		wantError bool
	}{
		{in: "alice@EXAMPLE.COM", want: "alice@EXAMPLE.COM", nameType: nametype.KRB_NT_PRINCIPAL},
		{in: "alice", def: "EXAMPLE.COM", want: "alice@EXAMPLE.COM", nameType: nametype.KRB_NT_PRINCIPAL},
		{in: "HTTP/www.example.com@EXAMPLE.COM", want: "HTTP/www.example.com@EXAMPLE.COM", nameType: nametype.KRB_NT_SRV_INST},
		{in: "alice", wantError: true},
		{in: "", def: "EXAMPLE.COM", wantError: true},
		{in: "@EXAMPLE.COM", wantError: true},
		{in: "HTTP//x@EXAMPLE.COM", wantError: true},
	}
	for _, tt := range tests {
		p, err := ParsePrincipal(tt.in, tt.def)
		if tt.wantError {
			if err == nil {
				t.Errorf("ParsePrincipal(%q) = %v, want error", tt.in, p)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePrincipal(%q): %v", tt.in, err)
			continue
		}
		if p.String() != tt.want || p.Name.NameType != tt.nameType {
			t.Errorf("ParsePrincipal(%q) = %s type %d", tt.in, p, p.Name.NameType)
		}
	}
}

func TestPrincipalEqual(t *testing.T) {
	a, _ := ParsePrincipal("host/a@EXAMPLE.COM", "")
	b, _ := ParsePrincipal("host/a@EXAMPLE.COM", "")
	if !a.Equal(b) {
		t.Fatal("identical principals not equal")
	}
	c := b
	c.Realm = "example.com"
	if a.Equal(c) {
		t.Fatal("realm comparison must be exact")
	}
	d := b
	d.Name.NameType = nametype.KRB_NT_SRV_HST
	if a.Equal(d) {
		t.Fatal("name type is part of equality")
	}
	if !a.Name.SameName(d.Name) {
		t.Fatal("SameName ignores name type")
	}
}

func TestClientPrincipalRealm(t *testing.T) {
	body := KDCReqBody{CName: NewPrincipalName(nametype.KRB_NT_ENTERPRISE, "alice@EXAMPLE.COM")}
	p, ok := body.ClientPrincipal()
	if !ok || p.Realm != "EXAMPLE.COM" {
		t.Fatalf("enterprise fallback: %v %v", p, ok)
	}
	body.Realm = "OTHER.COM"
	if p, _ := body.ClientPrincipal(); p.Realm != "OTHER.COM" {
		t.Fatalf("body realm should win, got %q", p.Realm)
	}
	if _, ok := (&KDCReqBody{}).ClientPrincipal(); ok {
		t.Fatal("empty body has no client")
	}
	if _, ok := (&KDCReqBody{CName: NewPrincipalName(1, "bob")}).ClientPrincipal(); ok {
		t.Fatal("plain name without body realm has no realm")
	}
}
