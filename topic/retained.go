package topic

import (
	"strings"

	"github.com/latticemq/broker/packet"
)

// RetainedEntry is the last retained publish stored for a topic name.
type RetainedEntry struct {
	Topic   string
	Payload []byte
	Props   *packet.PublishProperties
	QoS     byte

	// ExpiryTimer is opaque to this package; the broker stores whatever
	// cancellation token it needs here (nil when the entry has no
	// message_expiry_interval).
	ExpiryTimer any
}

type retainedNode struct {
	children map[string]*retainedNode
	entry    *RetainedEntry
}

func newRetainedNode() *retainedNode {
	return &retainedNode{children: make(map[string]*retainedNode)}
}

// RetainedStore is a trie, keyed by topic level, over every topic name
// that currently holds a retained message. It lets Find enumerate the
// matches for a filter without scanning every retained topic.
type RetainedStore struct {
	root *retainedNode
}

func NewRetainedStore() *RetainedStore {
	return &RetainedStore{root: newRetainedNode()}
}

// InsertOrAssign replaces any prior retained entry for topic.
func (r *RetainedStore) InsertOrAssign(topicName string, entry *RetainedEntry) {
	cur := r.root
	for _, level := range strings.Split(topicName, "/") {
		next, ok := cur.children[level]
		if !ok {
			next = newRetainedNode()
			cur.children[level] = next
		}
		cur = next
	}
	cur.entry = entry
}

// Erase removes the retained entry for topic, if any, and prunes the
// now-empty path.
func (r *RetainedStore) Erase(topicName string) {
	levels := strings.Split(topicName, "/")
	path := make([]*retainedNode, 0, len(levels)+1)
	path = append(path, r.root)
	cur := r.root
	for _, level := range levels {
		next, ok := cur.children[level]
		if !ok {
			return
		}
		path = append(path, next)
		cur = next
	}
	cur.entry = nil
	// Prune empty leaf nodes back toward the root.
	for i := len(path) - 1; i > 0; i-- {
		n := path[i]
		if n.entry != nil || len(n.children) > 0 {
			break
		}
		parent := path[i-1]
		delete(parent.children, levels[i-1])
	}
}

// Find invokes visit for every retained entry whose topic matches filter.
func (r *RetainedStore) Find(filter string, visit func(*RetainedEntry)) {
	levels := strings.Split(filter, "/")
	r.walk(r.root, levels, visit)
}

func (r *RetainedStore) walk(n *retainedNode, levels []string, visit func(*RetainedEntry)) {
	if len(levels) == 0 {
		if n.entry != nil {
			visit(n.entry)
		}
		return
	}
	level := levels[0]
	rest := levels[1:]
	switch level {
	case "#":
		r.walkAll(n, visit)
	case "+":
		for _, child := range n.children {
			r.walk(child, rest, visit)
		}
	default:
		if child, ok := n.children[level]; ok {
			r.walk(child, rest, visit)
		}
	}
}

// walkAll visits every entry at or below n, honoring the rule that a
// `#` matches zero or more remaining levels (so the node itself, if it
// holds an entry, is included).
func (r *RetainedStore) walkAll(n *retainedNode, visit func(*RetainedEntry)) {
	if n.entry != nil {
		visit(n.entry)
	}
	for _, child := range n.children {
		r.walkAll(child, visit)
	}
}
