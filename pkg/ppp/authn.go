package ppp

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/mpd/pkg/auth"
)

// authStart runs the authentication phase with the methods LCP agreed.
func (l *Link) authStart() {
	l.sessionID = uuid.NewString()
	self, peer := l.lcp.wantAuth, l.lcp.peerAuth
	l.log.Info("Auth: start",
		zap.Stringer("self", self),
		zap.Stringer("peer", peer),
		zap.String("session_id", l.sessionID),
	)
	l.authn.Start(self, peer, func(ok bool, params auth.Params, reason string) {
		if l.dead {
			return
		}
		if ok {
			l.params = params
		} else {
			l.log.Info("Auth: failed", zap.String("reason", reason))
		}
		l.lcp.authResult(ok)
	})
}

// authStop aborts a running exchange.
func (l *Link) authStop() {
	l.authn.Stop()
}

// authCleanup forgets the results of the last authentication.
func (l *Link) authCleanup() {
	l.authn.Stop()
	l.params = auth.Params{}
}

// acctRecord describes the link for an accounting request.
func (l *Link) acctRecord(kind auth.AcctKind) auth.AcctRecord {
	rec := auth.AcctRecord{
		Kind:           kind,
		SessionID:      l.sessionID,
		MultiSessionID: l.msessionID,
		Link:           l.name,
		Authname:       l.params.Authname,
		FramedIP:       l.params.FramedIP,
		Class:          l.params.Class,
		InOctets:       l.stats.RecvOctets,
		OutOctets:      l.stats.XmitOctets,
		InPackets:      l.stats.RecvFrames,
		OutPackets:     l.stats.XmitFrames,
	}
	if l.dev != nil {
		rec.CallingNum = l.dev.CallingNum()
		rec.CalledNum = l.dev.CalledNum()
		rec.PeerAddr = l.dev.PeerAddr()
	}
	if b := l.bund; b != nil {
		rec.Bundle = b.name
		rec.LinkCount = b.nUp
		if !rec.FramedIP.IsValid() && b.ipcp.peerAddr.IsValid() {
			rec.FramedIP = b.ipcp.peerAddr
		}
	}
	if !l.lastUp.IsZero() {
		rec.SessionTime = l.m.loop.Now().Sub(l.lastUp)
	}
	if kind == auth.AcctStop {
		rec.TerminateCause = l.downReason
	}
	return rec
}

// acctStart sends an accounting record and, for Start, arms interim
// updates. The link stays alive until every record is answered.
func (l *Link) acctStart(kind auth.AcctKind) {
	switch kind {
	case auth.AcctStart:
		if l.conf.AcctUpdate > 0 {
			l.acctTimer.Reset(l.conf.AcctUpdate, nil)
			l.acctTimer.StartRecurring()
		}
	case auth.AcctStop:
		l.acctTimer.Stop()
	}

	acct := l.m.conf.Accountant
	if acct == nil {
		return
	}
	rec := l.acctRecord(kind)
	l.acctPending++
	l.log.Debug("Accounting", zap.Stringer("kind", kind))
	acct.Account(rec, func(err error) {
		l.m.loop.Post(func() {
			l.acctPending--
			if err != nil {
				l.log.Warn("Accounting failed", zap.Stringer("kind", kind), zap.Error(err))
			}
			if !l.dead {
				l.shutdownCheck(l.lcp.fsm.State())
			}
		})
	})
}

func (l *Link) acctUpdate() {
	if !l.joined {
		l.acctTimer.Stop()
		return
	}
	l.acctStart(auth.AcctUpdate)
}
