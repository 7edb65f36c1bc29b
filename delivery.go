package mqtt

import (
	"log/slog"
	"time"

	"github.com/latticemq/broker/packet"
	"github.com/latticemq/broker/topic"
)

func b2u8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// doPublish is the component-E delivery engine: every accepted PUBLISH
// (client-originated, a resurrected offline/retained message, or a
// will) funnels through here. origin is the publishing session, nil
// for synthetic sends (retained replay has no publisher; a will is
// dispatched after its session is gone).
//
// Per [MQTT-3.3.2.3.4] and [MQTT-3.3.2.3.8], topic_alias and
// subscription_identifier are connection-local and never forwarded to
// subscribers; message_expiry_interval is carried through but
// recomputed per recipient as it ages in a queue.
func (b *Broker) doPublish(origin *Session, topicName string, payload []byte, qos byte, retainFlag bool, props *packet.PublishProperties) {
	var outProps *packet.PublishProperties
	var expiry uint32
	if props != nil {
		if props.TopicAlias != 0 || len(props.SubscriptionIdentifier) > 0 {
			b.opts.Logger.Warn("stripping connection-local publish properties",
				slog.String("topic", topicName),
				slog.Uint64("topic_alias", uint64(props.TopicAlias)),
				slog.Int("subscription_identifier_count", len(props.SubscriptionIdentifier)))
		}
		cp := *props
		cp.TopicAlias = 0
		cp.SubscriptionIdentifier = nil
		outProps = &cp
		expiry = uint32(props.MessageExpiryInterval)
	}

	reserved := topic.IsReservedName(topicName)

	b.subs.Modify(topicName, func(filter string, sub *topic.Subscription[*Session]) {
		// A filter with a wildcard first level never matches a topic
		// beginning with '$' (§4.A exclusion, enforced at the routing
		// layer rather than in the matcher primitive).
		if reserved && topic.HasWildcardPrefix(filter) {
			return
		}
		target := sub.Session
		if target == nil {
			return
		}
		if sub.Options.NoLocal && origin != nil && target == origin {
			return
		}

		effectiveQoS := qos
		if sub.Options.QoS < effectiveQoS {
			effectiveQoS = sub.Options.QoS
		}

		// [MQTT-3.3.1-9]: retain forwarded as 0 on ordinary matched
		// delivery, unless the subscriber opted into RAP (v5 only).
		effectiveRetain := false
		if target.Version == packet.VERSION500 && sub.Options.RetainAsPub {
			effectiveRetain = retainFlag
		}

		var deliverProps *packet.PublishProperties
		if outProps != nil {
			dp := *outProps
			deliverProps = &dp
		}
		if sub.HasSubscriptionID {
			if deliverProps == nil {
				deliverProps = &packet.PublishProperties{}
			}
			deliverProps.SubscriptionIdentifier = []uint32{sub.SubscriptionIdentifier}
		}

		b.deliverToSession(target, topicName, payload, effectiveQoS, effectiveRetain, deliverProps, expiry)
	})

	if !retainFlag {
		return
	}
	// [MQTT-3.3.1-11]: a zero-length retained publish clears, it is
	// never stored.
	if len(payload) == 0 {
		if _, hadPrior := b.retainedLookup(topicName); hadPrior {
			b.metrics.RetainedEntries.Dec()
		}
		b.retained.Erase(topicName)
		return
	}
	_, hadPrior := b.retainedLookup(topicName)
	entry := &topic.RetainedEntry{Topic: topicName, Payload: payload, Props: outProps, QoS: qos}
	if expiry > 0 {
		entry.ExpiryTimer = b.after(time.Duration(expiry)*time.Second, func() {
			b.metrics.TimersExpired.Inc()
			b.retained.Erase(topicName)
			b.metrics.RetainedEntries.Dec()
		})
	}
	b.retained.InsertOrAssign(topicName, entry)
	if !hadPrior {
		b.metrics.RetainedEntries.Inc()
	}
}

// retainedLookup reports whether topicName already holds a retained
// entry, used only to keep the RetainedEntries gauge accurate across
// InsertOrAssign overwrites.
func (b *Broker) retainedLookup(topicName string) (*topic.RetainedEntry, bool) {
	var found *topic.RetainedEntry
	b.retained.Find(topicName, func(e *topic.RetainedEntry) {
		if e.Topic == topicName {
			found = e
		}
	})
	return found, found != nil
}

// deliverToSession is session.deliver (§4.E): online sessions get an
// immediate send (QoS1/2 tracked in the inflight list); offline
// sessions have QoS1/2 messages appended to the offline queue. QoS0
// messages are never queued for an offline session.
func (b *Broker) deliverToSession(s *Session, topicName string, payload []byte, qos byte, retain bool, props *packet.PublishProperties, expirySeconds uint32) {
	if qos == 0 {
		if !s.online() {
			return
		}
		b.sendPublish(s, 0, 0, retain, false, topicName, payload, props)
		return
	}

	if s.online() {
		packetID := s.allocPacketID()
		entry := &inflightEntry{
			packetID: packetID,
			message:  &packet.Message{TopicName: topicName, Content: payload},
			props:    props,
			qos:      qos,
			retain:   retain,
			state:    inflightSentPublish,
			storedAt: time.Now(),
		}
		if expirySeconds > 0 {
			entry.expiry = &messageExpiry{interval: expirySeconds}
		}
		s.pushInflight(entry)
		b.metrics.InflightTotal.Inc()
		b.sendPublish(s, packetID, qos, retain, false, topicName, payload, props)
		return
	}

	oe := &offlineEntry{
		message:  &packet.Message{TopicName: topicName, Content: payload},
		props:    props,
		qos:      qos,
		retain:   retain,
		storedAt: time.Now(),
	}
	if expirySeconds > 0 {
		oe.expiry = &messageExpiry{interval: expirySeconds}
		oe.expiry.token = b.after(time.Duration(expirySeconds)*time.Second, func() {
			b.metrics.TimersExpired.Inc()
			s.eraseOffline(oe)
		})
	}
	s.queueOffline(oe)
}

// sendPublish packs and writes a PUBLISH to s's live connection. It is
// a no-op if s has none (the caller raced an offline transition).
func (b *Broker) sendPublish(s *Session, packetID uint16, qos byte, retain, dup bool, topicName string, payload []byte, props *packet.PublishProperties) {
	if s.conn == nil {
		return
	}
	pkt := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: s.Version, Kind: PUBLISH, QoS: qos, Retain: b2u8(retain), Dup: b2u8(dup)},
		PacketID:    packetID,
		Message:     &packet.Message{TopicName: topicName, Content: payload},
		Props:       props,
	}
	if err := s.conn.send(pkt); err != nil {
		b.opts.Logger.Warn("publish delivery failed", "client_id", s.ClientID, "topic", topicName, "err", err)
	}
}

// flushOffline drains s's offline queue onto its now-live connection,
// in FIFO order, cancelling each entry's expiry timer as it is
// resent. Called once a CONNECT has reattached a prior-offline
// session to a connection (§4.F resumption table, rows "offline").
func (b *Broker) flushOffline(s *Session) {
	for e := s.offlineQueue.Front(); e != nil; {
		next := e.Next()
		oe := e.Value.(*offlineEntry)
		if oe.expiry != nil && oe.expiry.token != nil {
			oe.expiry.token.cancel()
		}
		remaining, props := oe.expiry.remaining(), oe.props
		if oe.expiry != nil {
			if elapsed := uint32(time.Since(oe.storedAt) / time.Second); elapsed < remaining {
				remaining -= elapsed
			} else {
				remaining = 0
			}
			if props != nil {
				cp := *props
				cp.MessageExpiryInterval = packet.MessageExpiryInterval(remaining)
				props = &cp
			}
		}
		b.deliverToSession(s, oe.message.TopicName, oe.message.Content, oe.qos, oe.retain, props, remaining)
		e = next
	}
	s.offlineQueue.Init()
}
