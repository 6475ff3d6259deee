package auth

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/mpd/pkg/event"
)

// State is the progress of an authentication run.
type State int

const (
	StateNone    State = iota // Not started
	StatePending              // Exchange in progress
	StateSuccess              // Both directions succeeded
	StateFailure              // Either direction failed
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "None"
	case StatePending:
		return "Pending"
	case StateSuccess:
		return "Success"
	case StateFailure:
		return "Failure"
	default:
		return "Unknown"
	}
}

// Packet codes
const (
	papRequest = 1
	papAck     = 2
	papNak     = 3

	chapChallenge = 1
	chapResponse  = 2
	chapSuccess   = 3
	chapFailure   = 4

	eapRequest  = 1
	eapResponse = 2
	eapSuccess  = 3
	eapFailure  = 4

	eapTypeIdentity = 1
	eapTypeNak      = 3
	eapTypeMD5      = 4
)

// Config holds the authentication tunables of a link.
type Config struct {
	Authname        string        // our name when the peer authenticates us
	Password        string        // our secret when the peer authenticates us
	Hostname        string        // name sent in CHAP challenges
	Timeout         time.Duration // whole exchange
	Retry           time.Duration // retransmission period
	ChallengeLength int
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{
		Hostname:        "mpd",
		Timeout:         60 * time.Second,
		Retry:           2 * time.Second,
		ChallengeLength: 16,
	}
}

// Done is called once per Start with the outcome.
type Done func(ok bool, params Params, reason string)

// Session authenticates one link. It runs on the event loop goroutine.
type Session struct {
	loop     *event.Loop
	log      *zap.Logger
	conf     Config
	verifier Verifier
	send     func(proto uint16, pkt []byte)

	state State
	gen   uint64
	done  Done

	self     Method // we authenticate the peer
	peer     Method // the peer authenticates us
	selfDone bool
	peerDone bool

	// Authenticator side
	id        uint8
	challenge []byte
	username  string
	verifying bool
	lastReq   []byte
	lastReply []byte
	retry     *event.Timer

	// Peer side
	clientID  uint8
	papReq    []byte
	authChal  []byte
	peerChal  []byte
	ntResp    []byte
	peerRetry *event.Timer

	timeout *event.Timer
	params  Params
}

// NewSession creates an idle session. send transmits one packet of the
// given authentication protocol on the link.
func NewSession(loop *event.Loop, conf Config, verifier Verifier, send func(uint16, []byte), logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if conf.Hostname == "" {
		conf.Hostname = def.Hostname
	}
	if conf.Timeout == 0 {
		conf.Timeout = def.Timeout
	}
	if conf.Retry == 0 {
		conf.Retry = def.Retry
	}
	if conf.ChallengeLength == 0 {
		conf.ChallengeLength = def.ChallengeLength
	}
	s := &Session{
		loop:     loop,
		log:      logger,
		conf:     conf,
		verifier: verifier,
		send:     send,
	}
	s.retry = loop.NewTimer("AuthRetry", conf.Retry, s.retransmit)
	s.peerRetry = loop.NewTimer("AuthPeerRetry", conf.Retry, s.peerRetransmit)
	s.timeout = loop.NewTimer("AuthTimeout", conf.Timeout, s.expired)
	return s
}

// State returns the progress of the current run.
func (s *Session) State() State { return s.state }

// Params returns what the authenticator side learned about the peer.
func (s *Session) Params() Params { return s.params }

// SetConfig replaces the tunables for the next run.
func (s *Session) SetConfig(conf Config) {
	s.conf = conf
}

// Start begins a run. self is the method we require from the peer, peer
// the method the peer requires from us; either may be None.
func (s *Session) Start(self, peer Method, done Done) {
	s.Stop()
	s.state = StatePending
	s.self, s.peer = self, peer
	s.selfDone, s.peerDone = self.IsZero(), peer.IsZero()
	s.params = Params{}
	s.username = ""
	s.lastReq, s.lastReply, s.papReq = nil, nil, nil
	s.done = done

	s.log.Debug("Auth start", zap.Stringer("self", self), zap.Stringer("peer", peer))
	if s.selfDone && s.peerDone {
		s.finish(true, "")
		return
	}
	s.timeout.Reset(s.conf.Timeout, nil)
	s.timeout.Start()

	switch self.Proto {
	case ProtoCHAP:
		if err := s.sendChallenge(); err != nil {
			s.finish(false, err.Error())
			return
		}
	case ProtoEAP:
		s.id++
		s.request(ProtoEAP, packet(eapRequest, s.id, []byte{eapTypeIdentity}))
	}

	if peer == PAP {
		s.clientID++
		body := []byte{byte(len(s.conf.Authname))}
		body = append(body, s.conf.Authname...)
		body = append(body, byte(len(s.conf.Password)))
		body = append(body, s.conf.Password...)
		s.papReq = packet(papRequest, s.clientID, body)
		s.send(ProtoPAP, s.papReq)
		s.peerRetry.Reset(s.conf.Retry, nil)
		s.peerRetry.StartRecurring()
	}
}

// Stop abandons the current run without reporting.
func (s *Session) Stop() {
	s.retry.Stop()
	s.peerRetry.Stop()
	s.timeout.Stop()
	s.gen++
	s.verifying = false
	s.done = nil
	if s.state == StatePending {
		s.state = StateNone
	}
}

func (s *Session) request(proto uint16, pkt []byte) {
	s.lastReq = pkt
	s.send(proto, pkt)
	s.retry.Reset(s.conf.Retry, nil)
	s.retry.StartRecurring()
}

func (s *Session) retransmit() {
	if s.lastReq != nil && !s.selfDone {
		s.send(s.self.Proto, s.lastReq)
	}
}

func (s *Session) peerRetransmit() {
	if s.papReq != nil && !s.peerDone {
		s.send(ProtoPAP, s.papReq)
	}
}

func (s *Session) expired() {
	s.log.Info("Authentication timeout")
	s.finish(false, "Authentication timeout")
}

func (s *Session) finish(ok bool, reason string) {
	s.retry.Stop()
	s.peerRetry.Stop()
	s.timeout.Stop()
	if ok {
		s.state = StateSuccess
	} else {
		s.state = StateFailure
	}
	d := s.done
	s.done = nil
	if d != nil {
		d(ok, s.params, reason)
	}
}

func (s *Session) checkDone() {
	if s.selfDone && s.peerDone && s.state == StatePending {
		s.finish(true, "")
	}
}

func packet(code, id uint8, body []byte) []byte {
	pkt := make([]byte, 4, 4+len(body))
	pkt[0] = code
	pkt[1] = id
	binary.BigEndian.PutUint16(pkt[2:], uint16(4+len(body)))
	return append(pkt, body...)
}

func parse(data []byte) (code, id uint8, body []byte, err error) {
	if len(data) < 4 {
		return 0, 0, nil, fmt.Errorf("%w: short packet", ErrBadResponse)
	}
	n := int(binary.BigEndian.Uint16(data[2:]))
	if n < 4 || n > len(data) {
		return 0, 0, nil, fmt.Errorf("%w: bad length %d", ErrBadResponse, n)
	}
	return data[0], data[1], data[4:n], nil
}

// Input handles one received PAP, CHAP or EAP packet.
func (s *Session) Input(proto uint16, data []byte) {
	code, id, body, err := parse(data)
	if err != nil {
		s.log.Info("Dropping auth packet", zap.Error(err))
		return
	}
	if s.state == StateNone {
		s.log.Debug("Auth packet while idle", zap.Uint16("proto", proto))
		return
	}
	switch proto {
	case ProtoPAP:
		switch code {
		case papRequest:
			s.recvPAPRequest(id, body)
		case papAck, papNak:
			s.recvPAPReply(code, id, body)
		}
	case ProtoCHAP:
		switch code {
		case chapChallenge:
			s.recvChallenge(id, body)
		case chapResponse:
			s.recvResponse(id, body)
		case chapSuccess, chapFailure:
			s.recvCHAPResult(code, id, body)
		}
	case ProtoEAP:
		switch code {
		case eapRequest:
			s.recvEAPRequest(id, body)
		case eapResponse:
			s.recvEAPResponse(id, body)
		case eapSuccess, eapFailure:
			s.recvEAPResult(code)
		}
	default:
		s.log.Warn("Unexpected auth protocol", zap.Uint16("proto", proto))
	}
}

// Authenticator side

func (s *Session) recvPAPRequest(id uint8, body []byte) {
	if s.self != PAP {
		s.log.Info("PAP request not expected")
		return
	}
	if s.resendReply(ProtoPAP, id) {
		return
	}
	if len(body) < 1 || len(body) < 2+int(body[0]) {
		s.log.Info("PAP request malformed")
		return
	}
	nameLen := int(body[0])
	pwLen := int(body[1+nameLen])
	if len(body) < 2+nameLen+pwLen {
		s.log.Info("PAP request password truncated")
		return
	}
	s.id = id
	s.verify(&Credentials{
		Method:   PAP,
		ID:       id,
		Username: string(body[1 : 1+nameLen]),
		Password: string(body[2+nameLen : 2+nameLen+pwLen]),
	})
}

// resendReply answers a retransmitted request after a decision, and
// swallows requests that arrive while the verifier is busy.
func (s *Session) resendReply(proto uint16, id uint8) bool {
	if s.verifying {
		return true
	}
	if s.selfDone && s.lastReply != nil {
		reply := append([]byte(nil), s.lastReply...)
		reply[1] = id
		s.send(proto, reply)
		return true
	}
	return false
}

func (s *Session) sendChallenge() error {
	s.id++
	s.challenge = make([]byte, s.conf.ChallengeLength)
	if s.self == MSCHAP2 {
		s.challenge = make([]byte, 16)
	}
	if _, err := rand.Read(s.challenge); err != nil {
		return fmt.Errorf("failed to generate challenge: %w", err)
	}
	body := []byte{byte(len(s.challenge))}
	body = append(body, s.challenge...)
	body = append(body, s.conf.Hostname...)
	s.request(ProtoCHAP, packet(chapChallenge, s.id, body))
	s.log.Debug("CHAP challenge sent", zap.Uint8("identifier", s.id))
	return nil
}

func (s *Session) recvResponse(id uint8, body []byte) {
	if s.self.Proto != ProtoCHAP {
		s.log.Info("CHAP response not expected")
		return
	}
	if id != s.id {
		s.log.Warn("CHAP response with unexpected identifier",
			zap.Uint8("expected", s.id),
			zap.Uint8("received", id),
		)
		return
	}
	if s.resendReply(ProtoCHAP, id) {
		return
	}
	if len(body) < 1 || len(body) < 1+int(body[0]) {
		s.log.Info("CHAP response truncated")
		return
	}
	size := int(body[0])
	s.retry.Stop()
	s.verify(&Credentials{
		Method:    s.self,
		Username:  string(body[1+size:]),
		ID:        id,
		Challenge: s.challenge,
		Response:  append([]byte(nil), body[1:1+size]...),
	})
}

func (s *Session) recvEAPResponse(id uint8, body []byte) {
	if s.self != EAP {
		s.log.Info("EAP response not expected")
		return
	}
	if id != s.id || len(body) < 1 {
		s.log.Info("EAP response ignored", zap.Uint8("identifier", id))
		return
	}
	if s.resendReply(ProtoEAP, id) {
		return
	}
	switch body[0] {
	case eapTypeIdentity:
		s.username = string(body[1:])
		s.id++
		s.challenge = make([]byte, s.conf.ChallengeLength)
		if _, err := rand.Read(s.challenge); err != nil {
			s.finish(false, err.Error())
			return
		}
		req := []byte{eapTypeMD5, byte(len(s.challenge))}
		req = append(req, s.challenge...)
		req = append(req, s.conf.Hostname...)
		s.request(ProtoEAP, packet(eapRequest, s.id, req))
	case eapTypeMD5:
		if len(body) < 2 || len(body) < 2+int(body[1]) {
			s.log.Info("EAP-MD5 response truncated")
			return
		}
		s.retry.Stop()
		s.verify(&Credentials{
			Method:    EAP,
			Username:  s.username,
			ID:        id,
			Challenge: s.challenge,
			Response:  append([]byte(nil), body[2:2+int(body[1])]...),
		})
	case eapTypeNak:
		s.lastReply = packet(eapFailure, id, nil)
		s.send(ProtoEAP, s.lastReply)
		s.finish(false, "Peer refused EAP-MD5")
	default:
		s.log.Info("Unsupported EAP type", zap.Uint8("type", body[0]))
	}
}

func (s *Session) verify(cred *Credentials) {
	s.verifying = true
	s.username = cred.Username
	gen := s.gen
	s.log.Debug("Verifying credentials",
		zap.String("username", cred.Username),
		zap.Stringer("method", cred.Method),
	)
	s.verifier.Verify(cred, func(res Result) {
		s.loop.Post(func() {
			if gen != s.gen || !s.verifying {
				return
			}
			s.verifying = false
			s.verified(cred, res)
		})
	})
}

func (s *Session) verified(cred *Credentials, res Result) {
	var proto uint16
	var reply []byte
	switch cred.Method.Proto {
	case ProtoPAP:
		proto = ProtoPAP
		code, msg := uint8(papAck), "Login OK"
		if !res.Success {
			code, msg = papNak, "Login incorrect"
		}
		reply = packet(code, cred.ID, append([]byte{byte(len(msg))}, msg...))
	case ProtoCHAP:
		proto = ProtoCHAP
		switch {
		case res.Success && cred.Method == MSCHAP2:
			reply = packet(chapSuccess, cred.ID, []byte(res.MSv2Success+" M=Welcome"))
		case res.Success:
			reply = packet(chapSuccess, cred.ID, []byte("Welcome"))
		case cred.Method == MSCHAP2:
			msg := fmt.Sprintf("E=691 R=0 C=%s V=3 M=Authentication failure",
				strings.ToUpper(hex.EncodeToString(s.challenge)))
			reply = packet(chapFailure, cred.ID, []byte(msg))
		default:
			reply = packet(chapFailure, cred.ID, []byte("Authentication failure"))
		}
	case ProtoEAP:
		proto = ProtoEAP
		code := uint8(eapSuccess)
		if !res.Success {
			code = eapFailure
		}
		reply = packet(code, cred.ID, nil)
	}
	s.lastReply = reply
	s.send(proto, reply)

	if !res.Success {
		s.log.Info("Authentication failed",
			zap.String("username", cred.Username),
			zap.Stringer("method", cred.Method),
			zap.String("reason", res.Message),
		)
		s.finish(false, "Login failed")
		return
	}
	s.log.Info("Authentication successful",
		zap.String("username", cred.Username),
		zap.Stringer("method", cred.Method),
	)
	s.params = res.Params
	if s.params.Authname == "" {
		s.params.Authname = cred.Username
	}
	s.selfDone = true
	s.retry.Stop()
	s.checkDone()
}

// Peer side

func (s *Session) recvPAPReply(code, id uint8, body []byte) {
	if s.peer != PAP || s.peerDone {
		return
	}
	if id != s.clientID {
		s.log.Info("PAP reply with unexpected identifier", zap.Uint8("identifier", id))
		return
	}
	s.peerRetry.Stop()
	if code == papNak {
		msg := ""
		if len(body) > 0 && len(body) >= 1+int(body[0]) {
			msg = string(body[1 : 1+int(body[0])])
		}
		s.finish(false, "PAP rejected: "+msg)
		return
	}
	s.peerDone = true
	s.checkDone()
}

func (s *Session) recvChallenge(id uint8, body []byte) {
	if s.peer.Proto != ProtoCHAP {
		s.log.Info("CHAP challenge not expected")
		return
	}
	if len(body) < 1 || len(body) < 1+int(body[0]) {
		s.log.Info("CHAP challenge truncated")
		return
	}
	chal := append([]byte(nil), body[1:1+int(body[0])]...)
	s.clientID = id

	var value []byte
	switch s.peer {
	case CHAPMD5:
		value = MD5Response(id, s.conf.Password, chal)
	case MSCHAP2:
		if len(chal) != 16 {
			s.log.Info("MS-CHAPv2 challenge has wrong length", zap.Int("length", len(chal)))
			return
		}
		s.authChal = chal
		s.peerChal = make([]byte, msv2PeerChalLen)
		if _, err := rand.Read(s.peerChal); err != nil {
			s.finish(false, err.Error())
			return
		}
		s.ntResp = GenerateNTResponse(chal, s.peerChal, s.conf.Authname, s.conf.Password)
		value = make([]byte, msv2ResponseLen)
		copy(value, s.peerChal)
		copy(value[msv2NTOffset:], s.ntResp)
	default:
		s.finish(false, fmt.Sprintf("%s not supported", s.peer))
		return
	}
	resp := append([]byte{byte(len(value))}, value...)
	resp = append(resp, s.conf.Authname...)
	s.send(ProtoCHAP, packet(chapResponse, id, resp))
}

func (s *Session) recvCHAPResult(code, id uint8, body []byte) {
	if s.peer.Proto != ProtoCHAP || s.peerDone {
		return
	}
	if id != s.clientID {
		s.log.Info("CHAP result with unexpected identifier", zap.Uint8("identifier", id))
		return
	}
	if code == chapFailure {
		s.finish(false, "CHAP failure: "+string(body))
		return
	}
	if s.peer == MSCHAP2 {
		want := AuthenticatorResponse(s.conf.Password, s.ntResp, s.peerChal, s.authChal, s.conf.Authname)
		if !strings.HasPrefix(string(body), want) {
			s.finish(false, "MS-CHAPv2 authenticator response mismatch")
			return
		}
	}
	s.peerDone = true
	s.checkDone()
}

func (s *Session) recvEAPRequest(id uint8, body []byte) {
	if s.peer != EAP || len(body) < 1 {
		return
	}
	switch body[0] {
	case eapTypeIdentity:
		s.send(ProtoEAP, packet(eapResponse, id, append([]byte{eapTypeIdentity}, s.conf.Authname...)))
	case eapTypeMD5:
		if len(body) < 2 || len(body) < 2+int(body[1]) {
			return
		}
		value := MD5Response(id, s.conf.Password, body[2:2+int(body[1])])
		resp := append([]byte{eapTypeMD5, byte(len(value))}, value...)
		resp = append(resp, s.conf.Authname...)
		s.send(ProtoEAP, packet(eapResponse, id, resp))
	default:
		s.send(ProtoEAP, packet(eapResponse, id, []byte{eapTypeNak, eapTypeMD5}))
	}
}

func (s *Session) recvEAPResult(code uint8) {
	if s.peer != EAP || s.peerDone {
		return
	}
	if code == eapFailure {
		s.finish(false, "EAP failure")
		return
	}
	s.peerDone = true
	s.checkDone()
}
