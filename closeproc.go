package mqtt

import (
	"time"

	"github.com/latticemq/broker/packet"
)

// closeProc is run once per lost connection — an abrupt drop, a
// client-sent DISCONNECT, or a CONNECT superseding an already-online
// session for the same client-id (§4.F resumption table, §4.F
// close_proc). s is nil-safe: callers that never got as far as
// creating a session just skip straight past.
//
// sendWill is false for a clean client-sent DISCONNECT
// [MQTT-3.14.4-3] (the will was already discarded before closeProc
// runs) and true for every other disconnection path.
func (b *Broker) closeProc(s *Session, sendWill bool) {
	if s == nil {
		return
	}

	sessionClear := b.sessionClears(s)

	if sendWill && s.will != nil {
		w := s.will
		s.will = nil
		if !sessionClear && w.delayInterval > 0 {
			w.expiryToken = b.after(time.Duration(w.delayInterval)*time.Second, func() {
				b.doPublish(nil, w.topic, w.payload, w.qos, w.retain, w.props)
				b.metrics.WillsDispatched.Inc()
			})
			// Re-attach so a reconnect within the delay window can
			// still cancel it (CONNECT's resumption branch does so).
			s.will = w
		} else {
			b.doPublish(nil, w.topic, w.payload, w.qos, w.retain, w.props)
			b.metrics.WillsDispatched.Inc()
		}
	}

	wasOnline := s.online()
	b.sessions.detachConn(s)
	if wasOnline {
		b.metrics.SessionsOnline.Dec()
	}

	if sessionClear {
		b.eraseSession(s)
		return
	}

	b.metrics.SessionsOffline.Inc()
	if s.hasSessionExpiry && s.sessionExpiryInterval != sessionExpiryNever && s.sessionExpiryInterval > 0 {
		b.armSessionExpiry(s)
	}
	// hasSessionExpiry with interval 0 never reaches here (sessionClear
	// would have been true); a v3 non-clean session with no v5 property
	// persists indefinitely, matching the resumption table's "offline"
	// row semantics.
}

// sessionClears reports whether the session must be fully destroyed
// once its connection is gone, per the v3/v5 rules in §3/§4.F:
//   - v3.1.1: destroyed iff CleanSession was set.
//   - v5.0: destroyed iff session_expiry_interval is zero, including
//     when the property itself was absent from CONNECT (its default
//     value is 0). Non-zero means the session survives.
func (b *Broker) sessionClears(s *Session) bool {
	if s.Version != packet.VERSION500 {
		return s.cleanSession
	}
	return s.hasSessionExpiry && s.sessionExpiryInterval == 0
}

// eraseSession tears down every resource a session owns: its
// subscriptions, inflight/offline queues, will timer, and its entry in
// the session store.
func (b *Broker) eraseSession(s *Session) {
	for filter, handle := range s.subscriptions {
		b.subs.Erase(handle)
		delete(s.subscriptions, filter)
	}
	for e := s.offlineQueue.Front(); e != nil; e = e.Next() {
		if oe, ok := e.Value.(*offlineEntry); ok && oe.expiry != nil {
			oe.expiry.token.cancel()
		}
	}
	if s.will != nil && s.will.expiryToken != nil {
		s.will.expiryToken.cancel()
	}
	b.sessions.erase(s.ClientID)
}

// armSessionExpiry schedules the session's destruction once its
// session_expiry_interval lapses with no reconnection (v5 only; v3
// sessions that survive disconnection never expire on their own).
func (b *Broker) armSessionExpiry(s *Session) {
	s.sessionExpiryTimer = b.after(time.Duration(s.sessionExpiryInterval)*time.Second, func() {
		b.metrics.TimersExpired.Inc()
		b.metrics.SessionsOffline.Dec()
		b.eraseSession(s)
	})
}
