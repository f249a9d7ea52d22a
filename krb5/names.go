package krb5

import (
	"fmt"
	"slices"
	"strings"

	"github.com/jcmturner/gokrb5/v8/iana/nametype"
)

// PrincipalName is the wire form of a principal: a name type and its
// components, without the realm.
type PrincipalName struct {
	NameType   int32    `asn1:"explicit,tag:0"`
	NameString []string `asn1:"general,explicit,tag:1"`
}

// NewPrincipalName splits a slash separated name into components.
func NewPrincipalName(nameType int32, name string) PrincipalName {
	return PrincipalName{NameType: nameType, NameString: strings.Split(name, "/")}
}

// String joins the components with '/'.
func (p PrincipalName) String() string {
	return strings.Join(p.NameString, "/")
}

// Equal compares name type and components.
func (p PrincipalName) Equal(o PrincipalName) bool {
	return p.NameType == o.NameType && slices.Equal(p.NameString, o.NameString)
}

// SameName compares components only. Clients are not consistent about the
// name type they send for the same identity.
func (p PrincipalName) SameName(o PrincipalName) bool {
	return slices.Equal(p.NameString, o.NameString)
}

// EnterpriseRealm returns REALM for a single component name of the form
// user@REALM, and "" otherwise.
func (p PrincipalName) EnterpriseRealm() string {
	if len(p.NameString) != 1 {
		return ""
	}
	i := strings.LastIndexByte(p.NameString[0], '@')
	if i < 0 {
		return ""
	}
	return p.NameString[0][i+1:]
}

// TGSName is the name of the ticket granting service of realm.
func TGSName(realm string) PrincipalName {
	return PrincipalName{NameType: nametype.KRB_NT_SRV_INST, NameString: []string{"krbtgt", realm}}
}

// Principal is a realm-qualified identity.
type Principal struct {
	Name  PrincipalName
	Realm string
}

// ParsePrincipal parses "a/b@REALM". A name without a realm gets
// defaultRealm. Names with more than one component are service names.
func ParsePrincipal(s, defaultRealm string) (Principal, error) {
	if s == "" {
		return Principal{}, fmt.Errorf("empty principal name")
	}
	name, realm := s, defaultRealm
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		name, realm = s[:i], s[i+1:]
	}
	if name == "" || realm == "" {
		return Principal{}, fmt.Errorf("principal %q: missing name or realm", s)
	}
	nt := nametype.KRB_NT_PRINCIPAL
	if strings.Contains(name, "/") {
		nt = nametype.KRB_NT_SRV_INST
	}
	for _, c := range strings.Split(name, "/") {
		if c == "" {
			return Principal{}, fmt.Errorf("principal %q: empty component", s)
		}
	}
	return Principal{Name: NewPrincipalName(nt, name), Realm: realm}, nil
}

// Equal compares realm, name type and components.
func (p Principal) Equal(o Principal) bool {
	return p.Realm == o.Realm && p.Name.Equal(o.Name)
}

// String renders the principal as name@REALM.
func (p Principal) String() string {
	if p.Realm == "" {
		return p.Name.String()
	}
	return p.Name.String() + "@" + p.Realm
}

// Salt returns the default RFC 4120 salt: the realm followed by every
// name component, with no separators.
func (p Principal) Salt() string {
	return p.Realm + strings.Join(p.Name.NameString, "")
}
