package krb5

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jcmturner/aescts/v2"
	"github.com/jcmturner/gokrb5/v8/iana/chksumtype"
	"github.com/jcmturner/gokrb5/v8/iana/etypeID"
	"golang.org/x/crypto/pbkdf2"
)

// ErrIntegrity is returned by Decrypt when the checksum does not verify,
// which in practice means the wrong key.
var ErrIntegrity = errors.New("krb5: integrity check failed")

// ErrChecksum is returned by VerifyChecksum when the checksum is absent,
// of the wrong type, or does not match.
var ErrChecksum = errors.New("krb5: checksum mismatch")

// DefaultIterations is the RFC 3962 PBKDF2 iteration count.
const DefaultIterations = 4096

const (
	blockSize = aes.BlockSize
	macSize   = 12
)

// profile describes one aes-cts-hmac-sha1-96 enctype.
type profile struct {
	name      string
	keySize   int
	cksumType int32
}

var profiles = map[int32]profile{
	etypeID.AES128_CTS_HMAC_SHA1_96: {name: "aes128-cts-hmac-sha1-96", keySize: 16, cksumType: chksumtype.HMAC_SHA1_96_AES128},
	etypeID.AES256_CTS_HMAC_SHA1_96: {name: "aes256-cts-hmac-sha1-96", keySize: 32, cksumType: chksumtype.HMAC_SHA1_96_AES256},
}

// DefaultETypes lists the supported enctypes in order of preference.
var DefaultETypes = []int32{etypeID.AES256_CTS_HMAC_SHA1_96, etypeID.AES128_CTS_HMAC_SHA1_96}

func lookupProfile(etype int32) (profile, error) {
	p, ok := profiles[etype]
	if !ok {
		return profile{}, fmt.Errorf("krb5: unsupported enctype %d", etype)
	}
	return p, nil
}

// SupportedEType reports whether etype can be used for encryption here.
func SupportedEType(etype int32) bool {
	_, ok := profiles[etype]
	return ok
}

// ETypeName returns the RFC 3961 name of etype.
func ETypeName(etype int32) string {
	if p, ok := profiles[etype]; ok {
		return p.name
	}
	return fmt.Sprintf("etype-%d", etype)
}

// ETypeByName maps an RFC 3961 name to its number.
func ETypeByName(name string) (int32, bool) {
	for id, p := range profiles {
		if p.name == name {
			return id, true
		}
	}
	return 0, false
}

// StringToKey derives a long-term key from a password (RFC 3962 section 4):
// PBKDF2-HMAC-SHA1 followed by DK(tkey, "kerberos").
func StringToKey(etype int32, password, salt string, iterations int) (EncryptionKey, error) {
	p, err := lookupProfile(etype)
	if err != nil {
		return EncryptionKey{}, err
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	tkey := pbkdf2.Key([]byte(password), []byte(salt), iterations, p.keySize, sha1.New)
	key, err := dk(tkey, []byte("kerberos"))
	if err != nil {
		return EncryptionKey{}, err
	}
	return EncryptionKey{KeyType: etype, KeyValue: key}, nil
}

// S2KParams encodes an iteration count for PA-ETYPE-INFO2.
func S2KParams(iterations int) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(iterations))
}

// RandomKey returns a fresh session key.
func RandomKey(etype int32) (EncryptionKey, error) {
	p, err := lookupProfile(etype)
	if err != nil {
		return EncryptionKey{}, err
	}
	k := make([]byte, p.keySize)
	if _, err := rand.Read(k); err != nil {
		return EncryptionKey{}, err
	}
	return EncryptionKey{KeyType: etype, KeyValue: k}, nil
}

// Encrypt seals plaintext under key for the given key usage. kvno is copied
// into the result and is zero for session keys.
func Encrypt(key EncryptionKey, usage uint32, plaintext []byte, kvno int) (EncryptedData, error) {
	ke, ki, err := usageKeys(key, usage)
	if err != nil {
		return EncryptedData{}, err
	}
	buf := make([]byte, blockSize, blockSize+len(plaintext))
	if _, err := rand.Read(buf); err != nil {
		return EncryptedData{}, err
	}
	buf = append(buf, plaintext...)

	_, ct, err := aescts.Encrypt(ke, make([]byte, blockSize), buf)
	if err != nil {
		return EncryptedData{}, err
	}
	return EncryptedData{
		EType:  key.KeyType,
		KVNO:   kvno,
		Cipher: append(ct, mac(ki, buf)...),
	}, nil
}

// Decrypt opens ed with key. The enctypes must agree.
func Decrypt(key EncryptionKey, usage uint32, ed EncryptedData) ([]byte, error) {
	if key.KeyType != ed.EType {
		return nil, fmt.Errorf("krb5: key enctype %d does not match ciphertext enctype %d", key.KeyType, ed.EType)
	}
	if len(ed.Cipher) < blockSize+macSize {
		return nil, fmt.Errorf("krb5: ciphertext of %d bytes is too short", len(ed.Cipher))
	}
	ke, ki, err := usageKeys(key, usage)
	if err != nil {
		return nil, err
	}
	n := len(ed.Cipher) - macSize
	pt, err := aescts.Decrypt(ke, make([]byte, blockSize), ed.Cipher[:n])
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(mac(ki, pt), ed.Cipher[n:]) {
		return nil, ErrIntegrity
	}
	return pt[blockSize:], nil
}

// MakeChecksum computes the keyed hmac-sha1-96-aes checksum of data,
// keyed with Kc = DK(key, usage|0x99).
func MakeChecksum(key EncryptionKey, usage uint32, data []byte) (Checksum, error) {
	p, err := lookupProfile(key.KeyType)
	if err != nil {
		return Checksum{}, err
	}
	kc, err := deriveUsage(key, usage, 0x99)
	if err != nil {
		return Checksum{}, err
	}
	return Checksum{CksumType: p.cksumType, Checksum: mac(kc, data)}, nil
}

// VerifyChecksum checks ck against data. The checksum type must be the
// one that goes with the key's enctype.
func VerifyChecksum(key EncryptionKey, usage uint32, data []byte, ck Checksum) error {
	p, err := lookupProfile(key.KeyType)
	if err != nil {
		return err
	}
	if ck.CksumType != p.cksumType {
		return fmt.Errorf("%w: checksum type %d with %s key", ErrChecksum, ck.CksumType, p.name)
	}
	want, err := MakeChecksum(key, usage, data)
	if err != nil {
		return err
	}
	if !hmac.Equal(want.Checksum, ck.Checksum) {
		return ErrChecksum
	}
	return nil
}

func mac(ki, data []byte) []byte {
	h := hmac.New(sha1.New, ki)
	h.Write(data)
	return h.Sum(nil)[:macSize]
}

// usageKeys derives Ke = DK(key, usage|0xAA) and Ki = DK(key, usage|0x55).
func usageKeys(key EncryptionKey, usage uint32) (ke, ki []byte, err error) {
	if ke, err = deriveUsage(key, usage, 0xAA); err != nil {
		return nil, nil, err
	}
	if ki, err = deriveUsage(key, usage, 0x55); err != nil {
		return nil, nil, err
	}
	return ke, ki, nil
}

func deriveUsage(key EncryptionKey, usage uint32, suffix byte) ([]byte, error) {
	p, err := lookupProfile(key.KeyType)
	if err != nil {
		return nil, err
	}
	if len(key.KeyValue) != p.keySize {
		return nil, fmt.Errorf("krb5: %s key is %d bytes, want %d", p.name, len(key.KeyValue), p.keySize)
	}
	c := binary.BigEndian.AppendUint32(nil, usage)
	return dk(key.KeyValue, append(c, suffix))
}

// dk is the RFC 3961 derive-key function for the AES profiles, where
// random-to-key is the identity: the key is the DR output truncated to the
// base key length.
func dk(base, constant []byte) ([]byte, error) {
	block, err := aes.NewCipher(base)
	if err != nil {
		return nil, err
	}
	in := nfold(constant, blockSize)
	out := make([]byte, 0, len(base)+blockSize)
	for len(out) < len(base) {
		next := make([]byte, blockSize)
		block.Encrypt(next, in)
		out = append(out, next...)
		in = next
	}
	return out[:len(base)], nil
}

// nfold stretches or folds in to n bytes (RFC 3961 section 5.1). The input
// is replicated lcm(len(in), n) / len(in) times, each copy rotated right by
// a further 13 bits, and the result is summed in n byte chunks with
// one's complement addition.
func nfold(in []byte, n int) []byte {
	k := len(in)
	l := lcm(k, n)
	out := make([]byte, n)
	carry := 0
	for i := l - 1; i >= 0; i-- {
		// Index of the most significant bit of the source byte for output
		// position i, within the rotated copy i/k.
		msbit := ((k << 3) - 1 + ((k<<3)+13)*(i/k) + ((k - i%k) << 3)) % (k << 3)
		hi := int(in[((k-1)-(msbit>>3))%k])
		lo := int(in[(k-(msbit>>3))%k])
		carry += ((hi<<8 | lo) >> ((msbit & 7) + 1)) & 0xff
		carry += int(out[i%n])
		out[i%n] = byte(carry)
		carry >>= 8
	}
	for i := n - 1; carry != 0 && i >= 0; i-- {
		carry += int(out[i])
		out[i] = byte(carry)
		carry >>= 8
	}
	return out
}

func lcm(a, b int) int {
	x, y := a, b
	for y != 0 {
		x, y = y, x%y
	}
	return a / x * b
}
