package topic

import "strings"

// RetainHandling mirrors the MQTT-5 SUBSCRIBE option of the same name.
const (
	RetainHandlingSend         byte = 0
	RetainHandlingSendOnlyNew  byte = 1
	RetainHandlingDoNotSend    byte = 2
)

// SubOptions are the per-subscription options carried on a SUBSCRIBE entry.
type SubOptions struct {
	QoS            byte
	NoLocal        bool
	RetainAsPub    bool
	RetainHandling byte
}

// Subscription binds a filter and client-id to an owning session
// reference (opaque to this package — the broker supplies its own
// session type as S) plus the subscription's options and optional
// v5 subscription identifier.
type Subscription[S any] struct {
	Filter                 string
	ClientID               string
	Session                S
	Options                SubOptions
	SubscriptionIdentifier uint32
	HasSubscriptionID      bool
}

type subNode[S any] struct {
	children map[string]*subNode[S]
	subs     map[string]*Subscription[S] // keyed by client_id
	gen      uint64
}

func newSubNode[S any]() *subNode[S] {
	return &subNode[S]{children: make(map[string]*subNode[S]), subs: make(map[string]*Subscription[S])}
}

// Handle is an opaque, small token identifying one stored subscription;
// it supports O(1) removal via Erase and is stable across unrelated
// mutations to the map. It also carries the node's generation counter,
// which Erase compares; nothing in this package changes a node's
// generation, and nodes are never removed from the trie.
type Handle[S any] struct {
	node     *subNode[S]
	clientID string
	gen      uint64
}

// SubscriptionMap is a trie over topic levels, with `+` and `#` treated
// as ordinary child keys (a filter carrying them routes through those
// literal child slots; matching against a concrete published topic is
// driven by Modify, which walks the trie honoring the wildcard rules).
type SubscriptionMap[S any] struct {
	root *subNode[S]
}

func NewSubscriptionMap[S any]() *SubscriptionMap[S] {
	return &SubscriptionMap[S]{root: newSubNode[S]()}
}

// InsertOrAssign installs or updates the (filter, client_id) subscription.
// inserted is false when a prior subscription for this pair existed and
// was updated in place rather than created.
func (m *SubscriptionMap[S]) InsertOrAssign(filter, clientID string, sub Subscription[S]) (Handle[S], bool) {
	cur := m.root
	for _, level := range strings.Split(filter, "/") {
		next, ok := cur.children[level]
		if !ok {
			next = newSubNode[S]()
			cur.children[level] = next
		}
		cur = next
	}
	_, existed := cur.subs[clientID]
	sub.Filter = filter
	sub.ClientID = clientID
	cur.subs[clientID] = &sub
	return Handle[S]{node: cur, clientID: clientID, gen: cur.gen}, !existed
}

// Erase removes the subscription identified by handle for clientID, if
// the handle's generation equals its node's (otherwise Erase is a no-op).
func (m *SubscriptionMap[S]) Erase(handle Handle[S]) {
	if handle.node == nil || handle.node.gen != handle.gen {
		return
	}
	delete(handle.node.subs, handle.clientID)
}

// Modify enumerates every subscription whose filter matches topicName
// and invokes visit(filter, subscription). Visitation order between
// distinct filters is unspecified but stable within one call.
func (m *SubscriptionMap[S]) Modify(topicName string, visit func(filter string, sub *Subscription[S])) {
	levels := strings.Split(topicName, "/")
	m.walk(m.root, levels, visit)
}

func (m *SubscriptionMap[S]) walk(n *subNode[S], levels []string, visit func(string, *Subscription[S])) {
	if len(levels) == 0 {
		for _, sub := range n.subs {
			visit(sub.Filter, sub)
		}
		if child, ok := n.children["#"]; ok {
			for _, sub := range child.subs {
				visit(sub.Filter, sub)
			}
		}
		return
	}
	level := levels[0]
	rest := levels[1:]

	if child, ok := n.children["#"]; ok {
		for _, sub := range child.subs {
			visit(sub.Filter, sub)
		}
	}
	if child, ok := n.children["+"]; ok {
		m.walk(child, rest, visit)
	}
	if child, ok := n.children[level]; ok && level != "+" && level != "#" {
		m.walk(child, rest, visit)
	}
}
