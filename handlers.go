package mqtt

import (
	"github.com/latticemq/broker/packet"
	"github.com/latticemq/broker/topic"
)

// handleConnect implements the CONNECT resumption table (§4.F): a
// fresh client-id creates a session; a known offline client-id
// resumes or discards it per CleanStart/CleanSession; a known online
// client-id is first kicked off its existing connection via
// closeProc(sendWill=true) before the new connection takes over.
func (b *Broker) handleConnect(c *conn, pkt *packet.CONNECT) *packet.CONNACK {
	connack := &packet.CONNACK{FixedHeader: &packet.FixedHeader{Version: pkt.Version, Kind: CONNACK}}

	if pkt.Version == packet.VERSION500 {
		connack.Props = &packet.ConnackProps{
			RetainAvailable:   b2u8(b.opts.RetainAvailable),
			MaximumQoS:        b.opts.MaximumQoS,
			ReceiveMaximum:    b.opts.ReceiveMaximum,
			MaximumPacketSize: b.opts.MaximumPacketSize,
		}
	}

	if b.opts.Authenticate != nil && !b.opts.Authenticate(pkt.Username, pkt.Password) {
		if pkt.Version == packet.VERSION500 {
			connack.ConnectReturnCode = packet.ErrBadUsernameOrPassword
		} else {
			connack.ConnectReturnCode = packet.Err3NotAuthorized
		}
		return connack
	}

	clientID := pkt.ClientID
	cleanStart := pkt.ConnectFlags.CleanStart()

	prior, existed := b.sessions.findByClientID(clientID)
	if existed && prior.online() {
		// [MQTT-3.1.4-3]: an existing connection for this client-id is
		// closed, its will (if any) dispatched, before this CONNECT
		// proceeds.
		b.closeProc(prior, true)
		// closeProc erases a session that does not survive the close;
		// only a session still in the store is resumed below.
		prior, existed = b.sessions.findByClientID(clientID)
	}

	var s *Session
	sessionPresent := false
	switch {
	case !existed:
		s = newSession(clientID, pkt.Version)
		s.cleanSession = cleanStart
	case cleanStart:
		b.eraseSession(prior)
		s = newSession(clientID, pkt.Version)
		s.cleanSession = true
	default:
		s = prior
		s.cleanSession = false
		sessionPresent = true
		if s.sessionExpiryTimer != nil {
			s.sessionExpiryTimer.cancel()
			s.sessionExpiryTimer = nil
		}
	}
	s.Version = pkt.Version

	// A pending will-delay timer from a prior abrupt disconnect is
	// cancelled unconditionally: either this CONNECT sets a new will
	// (replacing it) or it doesn't (and no will should fire for a
	// session that just reconnected).
	if s.will != nil && s.will.expiryToken != nil {
		s.will.expiryToken.cancel()
	}
	if pkt.ConnectFlags.WillFlag() {
		w := &will{
			topic:   pkt.WillTopic,
			payload: pkt.WillPayload,
			qos:     pkt.ConnectFlags.WillQoS(),
			retain:  pkt.ConnectFlags.WillRetain(),
		}
		if pkt.WillProperties != nil {
			w.delayInterval = pkt.WillProperties.WillDelayInterval
		}
		s.will = w
	} else {
		s.will = nil
	}

	// A v5 CONNECT always carries a definite session_expiry_interval,
	// even when absent: the property's default value is 0, which ends
	// the session on disconnect same as if it had been sent as 0.
	if pkt.Version == packet.VERSION500 {
		s.hasSessionExpiry = true
		s.sessionExpiryInterval = 0
		if pkt.Props != nil {
			s.sessionExpiryInterval = uint32(pkt.Props.SessionExpiryInterval)
		}
	}

	c.ID, c.version = clientID, pkt.Version
	b.sessions.attachConn(s, c)
	if !sessionPresent {
		// A fresh or clean-started Session is a new object the
		// client-id map has never seen; a resumed one is already
		// indexed under its client-id (attachConn just refreshed the
		// conn index for it).
		b.sessions.insert(s)
	}
	b.metrics.SessionsOnline.Inc()
	if sessionPresent {
		b.metrics.SessionsOffline.Dec()
		b.flushOffline(s)
	}

	connack.SessionPresent = b2u8(sessionPresent)
	connack.ConnectReturnCode = packet.CodeSuccess
	return connack
}

// resolveTopicAlias implements the receiver-side half of topic alias
// (§4.F supplement): a PUBLISH naming both a topic and a nonzero alias
// records the mapping for this session; one naming only the alias
// resolves it from a prior PUBLISH on the same connection. The table
// survives a CONNECT resumption (it lives on the Session, not the
// conn) but is reset whenever the session itself is discarded.
func (b *Broker) resolveTopicAlias(s *Session, pkt *packet.PUBLISH) (string, bool) {
	topicName := pkt.Message.TopicName
	if pkt.Props == nil || pkt.Props.TopicAlias == 0 {
		return topicName, true
	}
	alias := pkt.Props.TopicAlias.Uint16()
	if topicName != "" {
		s.topicAliasIn[alias] = topicName
		return topicName, true
	}
	resolved, ok := s.topicAliasIn[alias]
	return resolved, ok
}

// handlePublish dispatches a received PUBLISH (§4.F): QoS2 is
// deduplicated by packet-id before do_publish runs a second time for
// a retransmitted DUP, matching the exactly-once contract without
// deferring dispatch to PUBREL.
func (b *Broker) handlePublish(s *Session, pkt *packet.PUBLISH) packet.Packet {
	topicName, ok := b.resolveTopicAlias(s, pkt)
	if !ok {
		// An alias with no prior mapping on this connection: nothing
		// to route. QoS1/2 still owe the sender an ack, carrying the
		// failure reason rather than silently dropping it.
		switch pkt.QoS {
		case 1:
			return &packet.PUBACK{FixedHeader: &packet.FixedHeader{Version: s.Version, Kind: PUBACK}, PacketID: pkt.PacketID, ReasonCode: packet.ErrTopicAliasInvalid}
		case 2:
			return &packet.PUBREC{FixedHeader: &packet.FixedHeader{Version: s.Version, Kind: PUBREC}, PacketID: pkt.PacketID, ReasonCode: packet.ErrTopicAliasInvalid}
		default:
			return nil
		}
	}
	retain := pkt.Retain != 0

	switch pkt.QoS {
	case 0:
		b.doPublish(s, topicName, pkt.Message.Content, 0, retain, pkt.Props)
		return nil
	case 1:
		b.doPublish(s, topicName, pkt.Message.Content, 1, retain, pkt.Props)
		return &packet.PUBACK{FixedHeader: &packet.FixedHeader{Version: s.Version, Kind: PUBACK}, PacketID: pkt.PacketID}
	default: // QoS 2
		if _, dup := s.qos2Received[pkt.PacketID]; !dup {
			s.qos2Received[pkt.PacketID] = struct{}{}
			b.metrics.QoS2Pending.Inc()
			b.doPublish(s, topicName, pkt.Message.Content, 2, retain, pkt.Props)
		}
		return &packet.PUBREC{FixedHeader: &packet.FixedHeader{Version: s.Version, Kind: PUBREC}, PacketID: pkt.PacketID}
	}
}

// handlePubrel completes the receiver-side QoS2 handshake: the
// packet-id leaves the dedup set once its PUBREL has arrived,
// matching [MQTT-4.3.3-3] (the server may reuse the id after this
// point).
func (b *Broker) handlePubrel(s *Session, pkt *packet.PUBREL) *packet.PUBCOMP {
	if _, ok := s.qos2Received[pkt.PacketID]; ok {
		delete(s.qos2Received, pkt.PacketID)
		b.metrics.QoS2Pending.Dec()
	}
	return &packet.PUBCOMP{FixedHeader: &packet.FixedHeader{Version: s.Version, Kind: PUBCOMP}, PacketID: pkt.PacketID}
}

// handlePuback retires a sender-side QoS1 inflight entry.
func (b *Broker) handlePuback(s *Session, pkt *packet.PUBACK) {
	if _, ok := s.findInflight(pkt.PacketID); ok {
		s.eraseInflight(pkt.PacketID)
		b.metrics.InflightTotal.Dec()
	}
}

// handlePubrec advances a sender-side QoS2 inflight entry to the
// PUBREL stage, or (if AutoRespond is disabled for test orchestration)
// leaves it for the caller to drive by hand.
func (b *Broker) handlePubrec(s *Session, pkt *packet.PUBREC) *packet.PUBREL {
	entry, ok := s.findInflight(pkt.PacketID)
	if !ok {
		return &packet.PUBREL{FixedHeader: &packet.FixedHeader{Version: s.Version, Kind: PUBREL, QoS: 1}, PacketID: pkt.PacketID}
	}
	entry.state = inflightSentPubrel
	if !b.opts.AutoRespond {
		return nil
	}
	return &packet.PUBREL{FixedHeader: &packet.FixedHeader{Version: s.Version, Kind: PUBREL, QoS: 1}, PacketID: pkt.PacketID}
}

// handlePubcomp retires a sender-side QoS2 inflight entry once its
// PUBCOMP has arrived.
func (b *Broker) handlePubcomp(s *Session, pkt *packet.PUBCOMP) {
	if _, ok := s.findInflight(pkt.PacketID); ok {
		s.eraseInflight(pkt.PacketID)
		b.metrics.InflightTotal.Dec()
	}
}

// handleSubscribe installs or updates each requested subscription and
// returns the SUBACK to send plus a closure that replays retained
// messages per the subscription's retain-handling option (§4.F, §6
// property table). The caller must invoke that closure only once the
// SUBACK has actually been written, never before.
func (b *Broker) handleSubscribe(s *Session, pkt *packet.SUBSCRIBE) (*packet.SUBACK, func()) {
	reasons := make([]packet.ReasonCode, 0, len(pkt.Subscriptions))
	var retainedSends []func()

	var subID uint32
	hasSubID := pkt.Props != nil && pkt.Props.SubscriptionIdentifier != 0
	if hasSubID {
		subID = uint32(pkt.Props.SubscriptionIdentifier)
	}

	for _, sub := range pkt.Subscriptions {
		if !topic.ValidateFilter(sub.TopicFilter) {
			reasons = append(reasons, packet.ErrTopicFilterInvalid)
			continue
		}
		opts := topic.SubOptions{
			QoS:            sub.MaximumQoS,
			NoLocal:        sub.NoLocal != 0,
			RetainAsPub:    sub.RetainAsPublished != 0,
			RetainHandling: sub.RetainHandling,
		}
		handle, isNew := b.subs.InsertOrAssign(sub.TopicFilter, s.ClientID, topic.Subscription[*Session]{
			Session:                s,
			Options:                opts,
			SubscriptionIdentifier: subID,
			HasSubscriptionID:      hasSubID,
		})
		s.subscriptions[sub.TopicFilter] = handle

		if opts.QoS > b.opts.MaximumQoS {
			opts.QoS = b.opts.MaximumQoS
		}
		reasons = append(reasons, packet.ReasonCode{Code: opts.QoS})

		if opts.RetainHandling == topic.RetainHandlingDoNotSend {
			continue
		}
		if opts.RetainHandling == topic.RetainHandlingSendOnlyNew && !isNew {
			continue
		}
		deliverQoS := opts.QoS
		b.retained.Find(sub.TopicFilter, func(e *topic.RetainedEntry) {
			var props *packet.PublishProperties
			if e.Props != nil {
				dp := *e.Props
				props = &dp
			}
			if hasSubID {
				if props == nil {
					props = &packet.PublishProperties{}
				}
				props.SubscriptionIdentifier = []uint32{subID}
			}
			entry, qos := e, min8(e.QoS, deliverQoS)
			retainedSends = append(retainedSends, func() {
				b.deliverToSession(s, entry.Topic, entry.Payload, qos, true, props, 0)
			})
		})
	}

	suback := &packet.SUBACK{FixedHeader: &packet.FixedHeader{Version: s.Version, Kind: SUBACK}, PacketID: pkt.PacketID, ReasonCode: reasons}
	flushRetained := func() {
		if len(retainedSends) == 0 {
			return
		}
		b.submit(func() {
			for _, send := range retainedSends {
				send()
			}
		})
	}
	return suback, flushRetained
}

func min8(a, b byte) byte {
	if a < b {
		return a
	}
	return b
}

// handleUnsubscribe removes each requested filter from both the
// session's own index and the broker's subscription map, returning
// one reason code per filter in request order — diverging from the
// upstream always-success UNSUBACK to report no_subscription_existed
// accurately (§9 Open Question).
func (b *Broker) handleUnsubscribe(s *Session, pkt *packet.UNSUBSCRIBE) *packet.UNSUBACK {
	reasons := make([]packet.ReasonCode, 0, len(pkt.Subscriptions))
	for _, sub := range pkt.Subscriptions {
		handle, ok := s.subscriptions[sub.TopicFilter]
		if !ok {
			reasons = append(reasons, packet.CodeNoSubscriptionExisted)
			continue
		}
		b.subs.Erase(handle)
		delete(s.subscriptions, sub.TopicFilter)
		reasons = append(reasons, packet.CodeSuccess)
	}
	return &packet.UNSUBACK{FixedHeader: &packet.FixedHeader{Version: s.Version, Kind: UNSUBACK}, PacketID: pkt.PacketID, ReasonCode: reasons}
}
