package mqtt

import (
	"container/list"
	"time"

	"github.com/latticemq/broker/packet"
	"github.com/latticemq/broker/topic"
)

// sessionExpiryNever is the MQTT-5 sentinel meaning a session_expiry_interval
// never lapses.
const sessionExpiryNever = 0xFFFFFFFF

// will holds the client's Last Will and Testament plus its MQTT-5
// expiry/delay properties.
type will struct {
	topic         string
	payload       []byte
	qos           byte
	retain        bool
	props         *packet.PublishProperties
	delayInterval uint32
	expiryToken   *timerToken // pending will-delay dispatch timer, if any
}

type inflightState int

const (
	inflightSentPublish inflightState = iota
	inflightSentPubrel
)

// inflightEntry is one outbound QoS1/2 delivery awaiting acknowledgment.
type inflightEntry struct {
	packetID uint16
	message  *packet.Message
	props    *packet.PublishProperties
	qos      byte
	retain   bool
	dup      bool
	state    inflightState
	storedAt time.Time
	expiry   *messageExpiry
}

// offlineEntry is a message queued for a session that has no live
// connection.
type offlineEntry struct {
	message  *packet.Message
	props    *packet.PublishProperties
	qos      byte
	retain   bool
	storedAt time.Time
	expiry   *messageExpiry

	elem *list.Element // set by Session.queueOffline, used by eraseOffline
}

// messageExpiry tracks the interval a stored message (inflight or
// offline-queued) was given. flushOffline recomputes it from the time
// left since the entry's storedAt, clamped at zero, when it drains the
// offline queue.
type messageExpiry struct {
	interval uint32 // seconds, as last recorded
	token    *timerToken
}

func (e *messageExpiry) remaining() uint32 {
	if e == nil {
		return 0
	}
	return e.interval
}

// Session is the per-client-id persistent broker record described in
// §3/§4.D: subscription handles, inflight QoS1/2 state, the offline
// queue, the qos2 received-set, the topic-alias-in table and the will.
type Session struct {
	ClientID string
	Version  byte

	conn *conn // nil when offline

	cleanSession          bool   // v3 CLEAN SESSION flag at last CONNECT
	hasSessionExpiry      bool   // v5 only: this session has gone through a v5 CONNECT
	sessionExpiryInterval uint32 // seconds; meaningful only if hasSessionExpiry

	will *will

	subscriptions map[string]topic.Handle[*Session] // filter -> handle

	inflightList *list.List // of *inflightEntry, insertion order
	inflightByID map[uint16]*list.Element

	offlineQueue *list.List // of *offlineEntry, FIFO

	qos2Received map[uint16]struct{}

	topicAliasIn map[uint16]string

	nextPacketID uint16

	sessionExpiryTimer *timerToken

	createdAt time.Time
}

func newSession(clientID string, version byte) *Session {
	return &Session{
		ClientID:      clientID,
		Version:       version,
		subscriptions: make(map[string]topic.Handle[*Session]),
		inflightList:  list.New(),
		inflightByID:  make(map[uint16]*list.Element),
		offlineQueue:  list.New(),
		qos2Received:  make(map[uint16]struct{}),
		topicAliasIn:  make(map[uint16]string),
		createdAt:     time.Now(),
	}
}

func (s *Session) online() bool { return s.conn != nil }

func (s *Session) allocPacketID() uint16 {
	for {
		s.nextPacketID++
		if s.nextPacketID == 0 {
			s.nextPacketID = 1
		}
		if _, inUse := s.inflightByID[s.nextPacketID]; !inUse {
			return s.nextPacketID
		}
	}
}

func (s *Session) pushInflight(e *inflightEntry) {
	el := s.inflightList.PushBack(e)
	s.inflightByID[e.packetID] = el
}

func (s *Session) findInflight(packetID uint16) (*inflightEntry, bool) {
	el, ok := s.inflightByID[packetID]
	if !ok {
		return nil, false
	}
	return el.Value.(*inflightEntry), true
}

func (s *Session) eraseInflight(packetID uint16) {
	el, ok := s.inflightByID[packetID]
	if !ok {
		return
	}
	s.inflightList.Remove(el)
	delete(s.inflightByID, packetID)
}

func (s *Session) queueOffline(e *offlineEntry) {
	e.elem = s.offlineQueue.PushBack(e)
}

func (s *Session) eraseOffline(e *offlineEntry) {
	if e.elem == nil {
		return
	}
	s.offlineQueue.Remove(e.elem)
	e.elem = nil
}

// sessionStore is the broker's multi-indexed session container (§4.D,
// §9): one authoritative map by client-id, one auxiliary index by
// connection. All mutation happens from the single broker loop
// goroutine, so no internal locking guards these maps.
type sessionStore struct {
	byClientID map[string]*Session
	byConn     map[*conn]*Session
}

func newSessionStore() *sessionStore {
	return &sessionStore{
		byClientID: make(map[string]*Session),
		byConn:     make(map[*conn]*Session),
	}
}

func (st *sessionStore) findByClientID(clientID string) (*Session, bool) {
	s, ok := st.byClientID[clientID]
	return s, ok
}

func (st *sessionStore) findByConn(c *conn) (*Session, bool) {
	s, ok := st.byConn[c]
	return s, ok
}

func (st *sessionStore) insert(s *Session) {
	st.byClientID[s.ClientID] = s
	if s.conn != nil {
		st.byConn[s.conn] = s
	}
}

func (st *sessionStore) erase(clientID string) {
	s, ok := st.byClientID[clientID]
	if !ok {
		return
	}
	if s.conn != nil {
		delete(st.byConn, s.conn)
	}
	if s.sessionExpiryTimer != nil {
		s.sessionExpiryTimer.cancel()
	}
	if s.will != nil && s.will.expiryToken != nil {
		s.will.expiryToken.cancel()
	}
	delete(st.byClientID, clientID)
}

func (st *sessionStore) attachConn(s *Session, c *conn) {
	s.conn = c
	st.byConn[c] = s
}

func (st *sessionStore) detachConn(s *Session) {
	if s.conn != nil {
		delete(st.byConn, s.conn)
	}
	s.conn = nil
}
