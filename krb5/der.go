package krb5

import (
	"encoding/asn1"
	"time"
)

// encoding/asn1 cannot emit GeneralString, which Kerberos uses for every
// realm and name component, so the outer structures are assembled field by
// field. Leaf values that contain no strings still go through asn1.Marshal.

// tlv encodes one DER element.
func tlv(class, tag int, compound bool, content []byte) []byte {
	out := make([]byte, 0, len(content)+8)
	id := byte(class << 6)
	if compound {
		id |= 0x20
	}
	if tag < 31 {
		out = append(out, id|byte(tag))
	} else {
		out = append(out, id|0x1f)
		var enc [5]byte
		i := len(enc) - 1
		enc[i] = byte(tag & 0x7f)
		for t := tag >> 7; t > 0; t >>= 7 {
			i--
			enc[i] = byte(t&0x7f) | 0x80
		}
		out = append(out, enc[i:]...)
	}
	out = appendLength(out, len(content))
	return append(out, content...)
}

func appendLength(out []byte, n int) []byte {
	if n < 0x80 {
		return append(out, byte(n))
	}
	var buf [8]byte
	i := len(buf)
	for ; n > 0; n >>= 8 {
		i--
		buf[i] = byte(n)
	}
	out = append(out, 0x80|byte(len(buf)-i))
	return append(out, buf[i:]...)
}

func generalString(s string) []byte {
	return tlv(asn1.ClassUniversal, asn1.TagGeneralString, false, []byte(s))
}

// fields accumulates the context-tagged members of a SEQUENCE. The first
// error sticks and is reported by seq or app.
type fields struct {
	buf []byte
	err error
}

func (f *fields) raw(tag int, content []byte) {
	if f.err != nil {
		return
	}
	f.buf = append(f.buf, tlv(asn1.ClassContextSpecific, tag, true, content)...)
}

func (f *fields) value(tag int, v any) {
	if f.err != nil {
		return
	}
	b, err := asn1.Marshal(v)
	if err != nil {
		f.err = err
		return
	}
	f.raw(tag, b)
}

func (f *fields) int(tag int, v int64) { f.value(tag, v) }

func (f *fields) str(tag int, s string) { f.raw(tag, generalString(s)) }

func (f *fields) optStr(tag int, s string) {
	if s != "" {
		f.str(tag, s)
	}
}

func (f *fields) time(tag int, t time.Time) {
	if f.err != nil {
		return
	}
	b, err := asn1.MarshalWithParams(t.UTC().Truncate(time.Second), "generalized")
	if err != nil {
		f.err = err
		return
	}
	f.raw(tag, b)
}

func (f *fields) optTime(tag int, t time.Time) {
	if !t.IsZero() {
		f.time(tag, t)
	}
}

func (f *fields) name(tag int, p PrincipalName) {
	var inner fields
	inner.int(0, int64(p.NameType))
	var names []byte
	for _, s := range p.NameString {
		names = append(names, generalString(s)...)
	}
	inner.raw(1, tlv(asn1.ClassUniversal, asn1.TagSequence, true, names))
	f.raw(tag, inner.seq())
}

func (f *fields) optName(tag int, p PrincipalName) {
	if len(p.NameString) > 0 {
		f.name(tag, p)
	}
}

// seq wraps the accumulated members in a SEQUENCE.
func (f *fields) seq() []byte {
	return tlv(asn1.ClassUniversal, asn1.TagSequence, true, f.buf)
}

// app wraps the SEQUENCE in an APPLICATION tag.
func (f *fields) app(tag int) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return tlv(asn1.ClassApplication, tag, true, f.seq()), nil
}

func seqOf(items [][]byte) []byte {
	var b []byte
	for _, it := range items {
		b = append(b, it...)
	}
	return tlv(asn1.ClassUniversal, asn1.TagSequence, true, b)
}
