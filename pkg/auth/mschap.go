package auth

import (
	"crypto/des"
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"unicode/utf16"

	"golang.org/x/crypto/md4"
)

// Layout of the 49 byte MS-CHAPv2 Response value.
const (
	msv2ResponseLen = 49
	msv2PeerChalLen = 16
	msv2NTOffset    = 24
	msv2NTLen       = 24
)

var (
	msv2Magic1 = []byte("Magic server to client signing constant")
	msv2Magic2 = []byte("Pad to make it do more than one iteration")
)

// NTPasswordHash is MD4 over the UTF-16LE password.
func NTPasswordHash(password string) []byte {
	u := utf16.Encode([]rune(password))
	b := make([]byte, 2*len(u))
	for i, c := range u {
		b[2*i] = byte(c)
		b[2*i+1] = byte(c >> 8)
	}
	h := md4.New()
	h.Write(b)
	return h.Sum(nil)
}

// msv2User strips any "DOMAIN\" prefix before hashing.
func msv2User(username string) string {
	if i := strings.LastIndexByte(username, '\\'); i >= 0 {
		return username[i+1:]
	}
	return username
}

// ChallengeHash is the first 8 bytes of SHA1(peer || auth || user).
func ChallengeHash(peerChal, authChal []byte, username string) []byte {
	h := sha1.New()
	h.Write(peerChal)
	h.Write(authChal)
	h.Write([]byte(msv2User(username)))
	return h.Sum(nil)[:8]
}

func desKey(b []byte) []byte {
	k := []byte{
		b[0] >> 1,
		(b[0]&0x01)<<6 | b[1]>>2,
		(b[1]&0x03)<<5 | b[2]>>3,
		(b[2]&0x07)<<4 | b[3]>>4,
		(b[3]&0x0f)<<3 | b[4]>>5,
		(b[4]&0x1f)<<2 | b[5]>>6,
		(b[5]&0x3f)<<1 | b[6]>>7,
		b[6] & 0x7f,
	}
	for i := range k {
		k[i] <<= 1
	}
	return k
}

func challengeResponse(chal, pwHash []byte) []byte {
	z := make([]byte, 21)
	copy(z, pwHash)
	out := make([]byte, 24)
	for i := 0; i < 3; i++ {
		c, _ := des.NewCipher(desKey(z[7*i : 7*i+7]))
		c.Encrypt(out[8*i:], chal)
	}
	return out
}

// GenerateNTResponse computes the 24 byte NT-Response of RFC 2759.
func GenerateNTResponse(authChal, peerChal []byte, username, password string) []byte {
	return challengeResponse(ChallengeHash(peerChal, authChal, username), NTPasswordHash(password))
}

// AuthenticatorResponse computes the "S=<40 hex>" success string.
func AuthenticatorResponse(password string, ntResponse, peerChal, authChal []byte, username string) string {
	h := md4.New()
	h.Write(NTPasswordHash(password))
	pwHashHash := h.Sum(nil)

	d := sha1.New()
	d.Write(pwHashHash)
	d.Write(ntResponse)
	d.Write(msv2Magic1)
	digest := d.Sum(nil)

	d = sha1.New()
	d.Write(digest)
	d.Write(ChallengeHash(peerChal, authChal, username))
	d.Write(msv2Magic2)
	return "S=" + strings.ToUpper(hex.EncodeToString(d.Sum(nil)))
}
