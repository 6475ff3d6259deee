package radius

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
)

// Terminator closes whatever a Disconnect-Request names. It returns
// ErrNoSession when nothing matched.
type Terminator func(sessionID, multiSessionID, username string) error

// DisconnectServer answers RFC 5176 Disconnect-Requests.
type DisconnectServer struct {
	server    *radius.PacketServer
	terminate Terminator
	logger    *zap.Logger

	acked  atomic.Uint64
	nacked atomic.Uint64
}

// NewDisconnectServer listens on addr (host:port, 3799 by convention).
func NewDisconnectServer(addr, secret string, terminate Terminator, logger *zap.Logger) *DisconnectServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &DisconnectServer{terminate: terminate, logger: logger}
	s.server = &radius.PacketServer{
		Addr:         addr,
		Network:      "udp",
		SecretSource: radius.StaticSecretSource([]byte(secret)),
		Handler:      s,
	}
	return s
}

// ListenAndServe blocks until Shutdown.
func (s *DisconnectServer) ListenAndServe() error {
	s.logger.Info("Disconnect listener started", zap.String("addr", s.server.Addr))
	return s.server.ListenAndServe()
}

// Shutdown stops the listener.
func (s *DisconnectServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Counts returns the number of acknowledged and refused requests.
func (s *DisconnectServer) Counts() (acked, nacked uint64) {
	return s.acked.Load(), s.nacked.Load()
}

func (s *DisconnectServer) ServeRADIUS(w radius.ResponseWriter, r *radius.Request) {
	if r.Code != radius.CodeDisconnectRequest {
		s.logger.Debug("Ignoring RADIUS request", zap.Stringer("code", r.Code))
		return
	}
	sid := rfc2866.AcctSessionID_GetString(r.Packet)
	msid := rfc2866.AcctMultiSessionID_GetString(r.Packet)
	user := rfc2865.UserName_GetString(r.Packet)

	code := radius.CodeDisconnectACK
	if err := s.terminate(sid, msid, user); err != nil {
		s.logger.Info("Disconnect refused",
			zap.String("session_id", sid),
			zap.String("multi_session_id", msid),
			zap.String("username", user),
			zap.Error(err),
		)
		code = radius.CodeDisconnectNAK
		s.nacked.Add(1)
	} else {
		s.logger.Info("Disconnect accepted",
			zap.String("session_id", sid),
			zap.String("multi_session_id", msid),
			zap.String("username", user),
		)
		s.acked.Add(1)
	}
	if err := w.Write(r.Response(code)); err != nil {
		s.logger.Warn("Disconnect reply failed", zap.Error(err))
	}
}
