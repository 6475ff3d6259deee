// Package radius is the RADIUS side of authentication and accounting:
// Access-Request for PAP and CHAP (RFC 2865), Accounting-Request for
// link sessions inside multilink bundles (RFC 2866), and a Disconnect
// listener (RFC 5176).
package radius

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc2869"
)

const (
	defaultAuthPort = 1812
	defaultTimeout  = 3 * time.Second
	defaultRetries  = 3
)

// ServerConfig is one RADIUS server.
type ServerConfig struct {
	Host     string
	Port     int // authentication port, 1812 when zero
	AcctPort int // accounting port, Port+1 when zero
	Secret   string
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Servers []ServerConfig
	NASID   string
	Timeout time.Duration
	Retries int
}

// AuthRequest is the credential part of an Access-Request. Response set
// means CHAP-MD5, otherwise Password is sent as PAP.
type AuthRequest struct {
	Username  string
	Password  string
	CHAPID    uint8
	Challenge []byte
	Response  []byte
	NASPort   uint32
	CalledID  string
	CallingID string
}

// AuthResponse carries the attributes of an Access-Accept that the link
// applies to its session.
type AuthResponse struct {
	Accepted       bool
	RejectReason   string
	SessionTimeout uint32
	IdleTimeout    uint32
	FramedIP       net.IP
	FramedMTU      uint32
	FilterID       string
	Class          []byte
}

// AcctRequest describes one Accounting-Request. MultiSessionID ties the
// links of a bundle together.
type AcctRequest struct {
	SessionID      string
	MultiSessionID string
	LinkCount      uint32
	Username       string
	FramedIP       net.IP
	StatusType     AcctStatusType
	InputOctets    uint64
	OutputOctets   uint64
	InputPackets   uint64
	OutputPackets  uint64
	SessionTime    uint32
	TerminateCause uint32
	Class          []byte
	NASPort        uint32
	CallingID      string
	CalledID       string
}

type AcctStatusType uint32

const (
	AcctStatusStart         = AcctStatusType(rfc2866.AcctStatusType_Value_Start)
	AcctStatusStop          = AcctStatusType(rfc2866.AcctStatusType_Value_Stop)
	AcctStatusInterimUpdate = AcctStatusType(rfc2866.AcctStatusType_Value_InterimUpdate)
)

// Acct-Terminate-Cause values reported for closed links.
const (
	TerminateCauseUserRequest    = uint32(rfc2866.AcctTerminateCause_Value_UserRequest)
	TerminateCauseLostCarrier    = uint32(rfc2866.AcctTerminateCause_Value_LostCarrier)
	TerminateCauseLostService    = uint32(rfc2866.AcctTerminateCause_Value_LostService)
	TerminateCauseIdleTimeout    = uint32(rfc2866.AcctTerminateCause_Value_IdleTimeout)
	TerminateCauseSessionTimeout = uint32(rfc2866.AcctTerminateCause_Value_SessionTimeout)
	TerminateCauseAdminReboot    = uint32(rfc2866.AcctTerminateCause_Value_AdminReboot)
	TerminateCausePortError      = uint32(rfc2866.AcctTerminateCause_Value_PortError)
	TerminateCauseNASRequest     = uint32(rfc2866.AcctTerminateCause_Value_NASRequest)
	TerminateCausePortUnneeded   = uint32(rfc2866.AcctTerminateCause_Value_PortUnneeded)
	TerminateCauseUserError      = uint32(rfc2866.AcctTerminateCause_Value_UserError)
)

// Client talks to a list of RADIUS servers, moving to the next one when
// the current server stops answering.
type Client struct {
	servers []ServerConfig
	nasID   string
	logger  *zap.Logger
	timeout time.Duration
	retries int

	mu      sync.Mutex
	current int
}

// NewClient validates cfg and fills in default ports, timeout and retries.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("at least one RADIUS server required")
	}
	if cfg.NASID == "" {
		return nil, fmt.Errorf("NAS-Identifier required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		servers: make([]ServerConfig, 0, len(cfg.Servers)),
		nasID:   cfg.NASID,
		logger:  logger,
		timeout: cfg.Timeout,
		retries: cfg.Retries,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.retries <= 0 {
		c.retries = defaultRetries
	}
	for i, s := range cfg.Servers {
		if s.Host == "" || s.Secret == "" {
			return nil, fmt.Errorf("server %d: host and secret required", i)
		}
		if s.Port == 0 {
			s.Port = defaultAuthPort
		}
		if s.AcctPort == 0 {
			s.AcctPort = s.Port + 1
		}
		c.servers = append(c.servers, s)
	}
	return c, nil
}

func (c *Client) getServer() ServerConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.servers[c.current]
}

func (c *Client) nextServer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = (c.current + 1) % len(c.servers)
}

// exchange sends the packet built for each attempt's server and fails
// over after every timeout. The packet is rebuilt per attempt since the
// secret differs between servers.
func (c *Client) exchange(ctx context.Context, build func(secret string) (*radius.Packet, error), acct bool) (*radius.Packet, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		server := c.getServer()
		port := server.Port
		if acct {
			port = server.AcctPort
		}
		addr := net.JoinHostPort(server.Host, strconv.Itoa(port))

		packet, err := build(server.Secret)
		if err != nil {
			return nil, err
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		reply, err := radius.Exchange(reqCtx, packet, addr)
		cancel()
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}

		c.logger.Warn("RADIUS server not answering",
			zap.String("server", addr),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if len(c.servers) > 1 {
			c.nextServer()
		}
	}
	return nil, fmt.Errorf("no answer after %d attempts: %w", c.retries, lastErr)
}

// setSessionAttrs adds the attributes common to both request kinds.
func (c *Client) setSessionAttrs(p *radius.Packet, username string, nasPort uint32, callingID, calledID string) {
	rfc2865.UserName_SetString(p, username)
	rfc2865.ServiceType_Set(p, rfc2865.ServiceType_Value_FramedUser)
	rfc2865.FramedProtocol_Set(p, rfc2865.FramedProtocol_Value_PPP)
	rfc2865.NASIdentifier_SetString(p, c.nasID)
	rfc2865.NASPortType_Set(p, rfc2865.NASPortType_Value_Virtual)
	rfc2865.NASPort_Set(p, rfc2865.NASPort(nasPort))
	if callingID != "" {
		rfc2865.CallingStationID_SetString(p, callingID)
	}
	if calledID != "" {
		rfc2865.CalledStationID_SetString(p, calledID)
	}
}

// NewAuthPacket builds the Access-Request for req.
func (c *Client) NewAuthPacket(req *AuthRequest, secret string) (*radius.Packet, error) {
	p := radius.New(radius.CodeAccessRequest, []byte(secret))
	c.setSessionAttrs(p, req.Username, req.NASPort, req.CallingID, req.CalledID)

	if req.Response != nil {
		chapPassword := make([]byte, 0, 1+len(req.Response))
		chapPassword = append(chapPassword, req.CHAPID)
		chapPassword = append(chapPassword, req.Response...)
		rfc2865.CHAPPassword_Set(p, chapPassword)
		rfc2865.CHAPChallenge_Set(p, req.Challenge)
	} else if req.Password != "" {
		rfc2865.UserPassword_SetString(p, req.Password)
	}

	if err := signPacket(p, []byte(secret)); err != nil {
		return nil, err
	}
	return p, nil
}

// Authenticate runs one Access-Request. A reject is a normal result,
// not an error.
func (c *Client) Authenticate(ctx context.Context, req *AuthRequest) (*AuthResponse, error) {
	reply, err := c.exchange(ctx, func(secret string) (*radius.Packet, error) {
		return c.NewAuthPacket(req, secret)
	}, false)
	if err != nil {
		return nil, fmt.Errorf("RADIUS authentication for %s: %w", req.Username, err)
	}

	resp := &AuthResponse{}
	switch reply.Code {
	case radius.CodeAccessAccept:
		resp.Accepted = true
		readAccept(reply, resp)
	case radius.CodeAccessReject:
		resp.RejectReason, _ = rfc2865.ReplyMessage_LookupString(reply)
	case radius.CodeAccessChallenge:
		return nil, ErrChallenge
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedCode, reply.Code)
	}

	c.logger.Debug("RADIUS authentication done",
		zap.String("username", req.Username),
		zap.Bool("accepted", resp.Accepted),
	)
	return resp, nil
}

func readAccept(p *radius.Packet, resp *AuthResponse) {
	if v, err := rfc2865.SessionTimeout_Lookup(p); err == nil {
		resp.SessionTimeout = uint32(v)
	}
	if v, err := rfc2865.IdleTimeout_Lookup(p); err == nil {
		resp.IdleTimeout = uint32(v)
	}
	if v, err := rfc2865.FramedIPAddress_Lookup(p); err == nil {
		resp.FramedIP = v
	}
	if v, err := rfc2865.FramedMTU_Lookup(p); err == nil {
		resp.FramedMTU = uint32(v)
	}
	if v, err := rfc2865.FilterID_LookupString(p); err == nil {
		resp.FilterID = v
	}
	if v, err := rfc2865.Class_Lookup(p); err == nil {
		resp.Class = v
	}
}

// NewAcctPacket builds the Accounting-Request for req. Counters go out on
// interim and stop records only; octets above 4 GiB spill into the
// gigaword attributes.
func (c *Client) NewAcctPacket(req *AcctRequest, secret string) (*radius.Packet, error) {
	p := radius.New(radius.CodeAccountingRequest, []byte(secret))
	c.setSessionAttrs(p, req.Username, req.NASPort, req.CallingID, req.CalledID)

	rfc2866.AcctStatusType_Set(p, rfc2866.AcctStatusType(req.StatusType))
	rfc2866.AcctSessionID_SetString(p, req.SessionID)
	if req.MultiSessionID != "" {
		rfc2866.AcctMultiSessionID_SetString(p, req.MultiSessionID)
		rfc2866.AcctLinkCount_Set(p, rfc2866.AcctLinkCount(req.LinkCount))
	}
	if req.FramedIP != nil {
		rfc2865.FramedIPAddress_Set(p, req.FramedIP)
	}
	if req.Class != nil {
		rfc2865.Class_Set(p, req.Class)
	}

	if req.StatusType != AcctStatusStart {
		rfc2866.AcctInputOctets_Set(p, rfc2866.AcctInputOctets(uint32(req.InputOctets)))
		rfc2866.AcctOutputOctets_Set(p, rfc2866.AcctOutputOctets(uint32(req.OutputOctets)))
		rfc2866.AcctInputPackets_Set(p, rfc2866.AcctInputPackets(uint32(req.InputPackets)))
		rfc2866.AcctOutputPackets_Set(p, rfc2866.AcctOutputPackets(uint32(req.OutputPackets)))
		rfc2866.AcctSessionTime_Set(p, rfc2866.AcctSessionTime(req.SessionTime))
		if hi := req.InputOctets >> 32; hi > 0 {
			rfc2869.AcctInputGigawords_Set(p, rfc2869.AcctInputGigawords(hi))
		}
		if hi := req.OutputOctets >> 32; hi > 0 {
			rfc2869.AcctOutputGigawords_Set(p, rfc2869.AcctOutputGigawords(hi))
		}
	}
	if req.StatusType == AcctStatusStop && req.TerminateCause != 0 {
		rfc2866.AcctTerminateCause_Set(p, rfc2866.AcctTerminateCause(req.TerminateCause))
	}

	if err := signPacket(p, []byte(secret)); err != nil {
		return nil, err
	}
	return p, nil
}

// SendAccounting delivers one Accounting-Request.
func (c *Client) SendAccounting(ctx context.Context, req *AcctRequest) error {
	reply, err := c.exchange(ctx, func(secret string) (*radius.Packet, error) {
		return c.NewAcctPacket(req, secret)
	}, true)
	if err != nil {
		return fmt.Errorf("RADIUS accounting for %s: %w", req.SessionID, err)
	}
	if reply.Code != radius.CodeAccountingResponse {
		return fmt.Errorf("%w: %v", ErrUnexpectedCode, reply.Code)
	}

	c.logger.Debug("RADIUS accounting sent",
		zap.String("session_id", req.SessionID),
		zap.String("multi_session_id", req.MultiSessionID),
		zap.Uint32("status_type", uint32(req.StatusType)),
	)
	return nil
}

// signPacket sets the RFC 2869 Message-Authenticator, an HMAC-MD5 over
// the encoded packet with the attribute zeroed.
func signPacket(p *radius.Packet, secret []byte) error {
	rfc2869.MessageAuthenticator_Del(p)
	rfc2869.MessageAuthenticator_Set(p, make([]byte, md5.Size))
	raw, err := p.Encode()
	if err != nil {
		return fmt.Errorf("encode for Message-Authenticator: %w", err)
	}
	mac := hmac.New(md5.New, secret)
	mac.Write(raw)
	rfc2869.MessageAuthenticator_Set(p, mac.Sum(nil))
	return nil
}
