package radius

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/mpd/pkg/auth"
)

// Authenticator is the part of Client a Verifier needs.
type Authenticator interface {
	Authenticate(ctx context.Context, req *AuthRequest) (*AuthResponse, error)
}

// Verifier checks PAP and CHAP-MD5 credentials with a RADIUS server.
// Each request runs on its own goroutine.
type Verifier struct {
	client  Authenticator
	timeout time.Duration
	logger  *zap.Logger

	// Observe, when set, is told the outcome and latency of each request.
	Observe func(reqType, result string, latency time.Duration)
}

// NewVerifier returns an auth.Verifier backed by client.
func NewVerifier(client Authenticator, timeout time.Duration, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Verifier{client: client, timeout: timeout, logger: logger}
}

// AuthRequestFor maps credentials onto an Access-Request.
func AuthRequestFor(cred *auth.Credentials) (*AuthRequest, error) {
	req := &AuthRequest{Username: cred.Username}
	switch {
	case cred.Method == auth.PAP:
		req.Password = cred.Password
	case cred.Method == auth.CHAPMD5, cred.Method.Proto == auth.ProtoEAP:
		req.CHAPID = cred.ID
		req.Challenge = cred.Challenge
		req.Response = cred.Response
	default:
		return nil, fmt.Errorf("%w over RADIUS: %s", auth.ErrUnsupported, cred.Method)
	}
	return req, nil
}

func (v *Verifier) Verify(cred *auth.Credentials, done func(auth.Result)) {
	req, err := AuthRequestFor(cred)
	if err != nil {
		done(auth.Result{Message: err.Error()})
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
		defer cancel()
		start := time.Now()
		resp, err := v.client.Authenticate(ctx, req)
		if err != nil {
			v.logger.Warn("RADIUS authentication error", zap.String("username", cred.Username), zap.Error(err))
			v.observe("error", start)
			done(auth.Result{Message: "RADIUS error"})
			return
		}
		res := resultFrom(cred.Username, resp)
		if res.Success {
			v.observe("accept", start)
		} else {
			v.observe("reject", start)
		}
		done(res)
	}()
}

func (v *Verifier) observe(result string, start time.Time) {
	if v.Observe != nil {
		v.Observe("auth", result, time.Since(start))
	}
}

func resultFrom(username string, resp *AuthResponse) auth.Result {
	if !resp.Accepted {
		msg := resp.RejectReason
		if msg == "" {
			msg = "Authentication failed"
		}
		return auth.Result{Message: msg}
	}
	p := auth.Params{
		Authname:       username,
		SessionTimeout: time.Duration(resp.SessionTimeout) * time.Second,
		IdleTimeout:    time.Duration(resp.IdleTimeout) * time.Second,
		FilterID:       resp.FilterID,
		Class:          resp.Class,
		MRU:            int(resp.FramedMTU),
	}
	if ip, ok := netip.AddrFromSlice(resp.FramedIP.To4()); ok && resp.FramedIP != nil {
		p.FramedIP = ip
	}
	return auth.Result{Success: true, Params: p}
}
