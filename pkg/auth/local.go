package auth

import (
	"crypto/md5"
	"crypto/subtle"
	"fmt"
)

// Secret is one entry of the local secret table.
type Secret struct {
	Password string
	Params   Params
}

// LocalVerifier checks credentials against an in-memory table and
// completes synchronously.
type LocalVerifier struct {
	secrets map[string]Secret
}

// NewLocalVerifier returns a verifier over secrets keyed by user name.
func NewLocalVerifier(secrets map[string]Secret) *LocalVerifier {
	v := &LocalVerifier{secrets: make(map[string]Secret, len(secrets))}
	for name, s := range secrets {
		v.secrets[name] = s
	}
	return v
}

// Lookup returns the password of name, used by the peer side too.
func (v *LocalVerifier) Lookup(name string) (string, bool) {
	s, ok := v.secrets[name]
	return s.Password, ok
}

func (v *LocalVerifier) Verify(cred *Credentials, done func(Result)) {
	res, err := v.check(cred)
	if err != nil {
		res = Result{Message: err.Error()}
	}
	done(res)
}

func (v *LocalVerifier) check(cred *Credentials) (Result, error) {
	s, ok := v.secrets[cred.Username]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownUser, cred.Username)
	}
	params := s.Params
	params.Authname = cred.Username

	switch {
	case cred.Method == PAP:
		if subtle.ConstantTimeCompare([]byte(s.Password), []byte(cred.Password)) != 1 {
			return Result{}, ErrBadResponse
		}
		return Result{Success: true, Params: params}, nil

	case cred.Method == CHAPMD5 || cred.Method.Proto == ProtoEAP:
		if !VerifyMD5(cred.ID, s.Password, cred.Challenge, cred.Response) {
			return Result{}, ErrBadResponse
		}
		return Result{Success: true, Params: params}, nil

	case cred.Method == MSCHAP2:
		if len(cred.Response) != msv2ResponseLen || len(cred.Challenge) != 16 {
			return Result{}, ErrBadResponse
		}
		peerChal := cred.Response[:msv2PeerChalLen]
		nt := cred.Response[msv2NTOffset : msv2NTOffset+msv2NTLen]
		want := GenerateNTResponse(cred.Challenge, peerChal, cred.Username, s.Password)
		if subtle.ConstantTimeCompare(want, nt) != 1 {
			return Result{}, ErrBadResponse
		}
		return Result{
			Success:     true,
			Params:      params,
			MSv2Success: AuthenticatorResponse(s.Password, nt, peerChal, cred.Challenge, cred.Username),
		}, nil
	}
	return Result{}, fmt.Errorf("%w: %s", ErrUnsupported, cred.Method)
}

// MD5Response is the CHAP-MD5 value MD5(id || secret || challenge).
func MD5Response(id uint8, secret string, challenge []byte) []byte {
	h := md5.New()
	h.Write([]byte{id})
	h.Write([]byte(secret))
	h.Write(challenge)
	return h.Sum(nil)
}

// VerifyMD5 compares a CHAP-MD5 response in constant time.
func VerifyMD5(id uint8, secret string, challenge, response []byte) bool {
	if len(response) != md5.Size {
		return false
	}
	return subtle.ConstantTimeCompare(MD5Response(id, secret, challenge), response) == 1
}
