package mqtt

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/latticemq/broker/topic"
)

// job is one unit of work posted onto the broker's single cooperative
// loop (§5: "All broker state is owned by one event loop ... no
// internal locking is required"). done is closed once fn has run, so
// Submit callers (connection goroutines) observe completion in order.
type job struct {
	fn   func()
	done chan struct{}
}

// BrokerOptions are the broker-behavior knobs from §6 ("Configuration
// surface (broker)") — capability advertisement plus the testing hooks
// the protocol handlers honor (auto-response toggles, suppressed
// PINGRESP, a pre-close delay).
type BrokerOptions struct {
	Logger *slog.Logger

	ReceiveMaximum                  uint16
	MaximumQoS                      uint8
	RetainAvailable                 bool
	MaximumPacketSize               uint32
	TopicAliasMaximum               uint16
	WildcardSubscriptionAvailable   bool
	SubscriptionIdentifierAvailable bool
	SharedSubscriptionAvailable     bool // not written into CONNACK: non-goal

	// SuppressPingResp, for tests exercising keep-alive timeout paths.
	SuppressPingResp bool
	// AutoRespond controls whether PUBREC auto-triggers PUBREL; disabling
	// it lets tests drive the QoS2 handshake by hand.
	AutoRespond bool
	// PreCloseDelay, if set, is waited out before close_proc runs on
	// DISCONNECT — a hook for test orchestration (§6).
	PreCloseDelay time.Duration

	// Authenticate is the external authn/authz hook (§1 Non-goals:
	// policy is external, only the hook point lives here).
	Authenticate func(username, password string) bool
}

func newBrokerOptions(opts ...BrokerOption) BrokerOptions {
	o := BrokerOptions{
		Logger:                          slog.New(slog.NewTextHandler(io.Discard, nil)),
		ReceiveMaximum:                  65535,
		MaximumQoS:                      2,
		RetainAvailable:                 true,
		TopicAliasMaximum:               0,
		WildcardSubscriptionAvailable:   true,
		SubscriptionIdentifierAvailable: true,
		AutoRespond:                     true,
	}
	for _, f := range opts {
		f(&o)
	}
	return o
}

// BrokerOption configures a Broker, in the same functional-options
// idiom as Option configures the client.
type BrokerOption func(*BrokerOptions)

func WithLogger(logger *slog.Logger) BrokerOption {
	return func(o *BrokerOptions) { o.Logger = logger }
}

func WithSuppressPingResp(v bool) BrokerOption {
	return func(o *BrokerOptions) { o.SuppressPingResp = v }
}

func WithAutoRespond(v bool) BrokerOption {
	return func(o *BrokerOptions) { o.AutoRespond = v }
}

func WithPreCloseDelay(d time.Duration) BrokerOption {
	return func(o *BrokerOptions) { o.PreCloseDelay = d }
}

func WithAuthenticator(fn func(username, password string) bool) BrokerOption {
	return func(o *BrokerOptions) { o.Authenticate = fn }
}

// Broker owns every piece of shared dispatch/session state described in
// §2-§4: the subscription map (C), retained store (B), session store
// (D), running on the single cooperative loop required by §5.
type Broker struct {
	jobs chan job

	sessions *sessionStore
	retained *topic.RetainedStore
	subs     *topic.SubscriptionMap[*Session]

	opts BrokerOptions

	metrics *BrokerMetrics
}

func newBroker(ctx context.Context, opts ...BrokerOption) *Broker {
	b := &Broker{
		jobs:     make(chan job, 64),
		sessions: newSessionStore(),
		retained: topic.NewRetainedStore(),
		subs:     topic.NewSubscriptionMap[*Session](),
		opts:     newBrokerOptions(opts...),
		metrics:  newBrokerMetrics(),
	}
	go b.run(ctx)
	return b
}

func (b *Broker) run(ctx context.Context) {
	for {
		select {
		case j := <-b.jobs:
			j.fn()
			if j.done != nil {
				close(j.done)
			}
		case <-ctx.Done():
			return
		}
	}
}

// submit posts fn to the loop and blocks until it has run, preserving
// the per-connection receive-order guarantee (§5): a connection's
// read-loop calls submit once per decoded packet and only reads the
// next packet after this one has been fully handled.
func (b *Broker) submit(fn func()) {
	done := make(chan struct{})
	b.jobs <- job{fn: fn, done: done}
	<-done
}

// submitAsync posts fn without waiting; used by timer fires, which run
// on their own goroutine and must hand control back to the loop rather
// than mutate broker state directly.
func (b *Broker) submitAsync(fn func()) {
	b.jobs <- job{fn: fn}
}

// clearAllSessions and clearAllRetained are the admin/testing surface
// from §6.
func (b *Broker) clearAllSessions() {
	b.submit(func() {
		for id := range b.sessions.byClientID {
			b.sessions.erase(id)
		}
	})
}

func (b *Broker) clearAllRetained() {
	b.submit(func() {
		b.retained = topic.NewRetainedStore()
	})
}
