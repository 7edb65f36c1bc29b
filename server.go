package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"github.com/latticemq/broker/packet"
	"golang.org/x/net/websocket"
	"log"
	"math/rand"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// shutdownPollIntervalMax is the max polling interval when checking
// quiescence during Server.Shutdown. Polling starts with a small
// interval and backs off to the max.
// Ideally we could find a solution that doesn't involve polling,
// but which also doesn't have a high runtime cost (and doesn't
// involve any contentious mutexes), but that is left as an
// exercise for the reader.
const shutdownPollIntervalMax = 500 * time.Millisecond
const size = 64 << 10

// A Handler responds to an MQTT request.
type Handler interface {
	ServeMQTT(ResponseWriter, packet.Packet)
}

type HandlerFunc func(ResponseWriter, packet.Packet)

func (f HandlerFunc) ServeMQTT(rw ResponseWriter, r packet.Packet) {
	f(rw, r)
}

type serverHandler struct {
	s *Server
}

func (s serverHandler) ServeMQTT(rw ResponseWriter, p packet.Packet) {
	handler := s.s.Handler
	if handler == nil {
		handler = defaultHandler{}
	}
	handler.ServeMQTT(rw, p)
}

type ResponseWriter interface {
	OnSend(request packet.Packet) error
}

// response represents the server side of an MQTT response.
type response struct {
	conn   *conn
	packet packet.Packet // request for this response
}

func (w *response) OnSend(pkt packet.Packet) error {
	w.conn.mu.Lock()
	defer w.conn.mu.Unlock()
	stat.PacketSent.Inc()
	return pkt.Pack(w.conn)
}

const (
	// StateNew represents a new connection that is expected to
	// send a request immediately. Connections begin at this
	// state and then transition to either StateIdle or
	// StateClosed.
	StateNew ConnState = iota

	// StateActive is defined for the ConnState hook; the server
	// never moves a connection into this state.
	StateActive

	// StateIdle represents a connection that has finished
	// handling a request and is waiting for a new one. A
	// connection stays in StateIdle between packets until it
	// transitions to StateClosed.
	StateIdle

	// StateHijacked represents a hijacked connection. The server
	// never moves a connection into this state.
	StateHijacked

	// StateClosed represents a closed connection.
	// This is a terminal state. Hijacked connections do not
	// transition to StateClosed.
	StateClosed
)

// ErrAbortHandler is a sentinel panic value to abort a handler.
// While any panic from ServeMQTT aborts the response to the client,
// panicking with ErrAbortHandler also suppresses logging of a stack
// trace to the server's error log.
var ErrAbortHandler = errors.New("mqtt: abort Handler")

// A ConnState represents the state of a client connection to a server.
// It's used by the optional [Server.ConnState] hook.
type ConnState int

// A Server defines parameters for running an MQTT server.
// Create one with NewServer; the zero value has no broker and cannot
// serve connections.
type Server struct {
	Handler          Handler
	WebsocketHandler websocket.Handler

	// TLSConfig optionally provides a TLS configuration for use
	// by ServeTLS and ListenAndServeTLS. Note that this value is
	// cloned by ServeTLS and ListenAndServeTLS, so it's not
	// possible to modify the configuration with methods like
	// tls.Config.SetSessionTicketKeys. To use
	// SetSessionTicketKeys, use Server.Serve with a TLS Listener
	// instead.
	TLSConfig *tls.Config

	// ConnState specifies an optional callback function that is
	// called when a client connection changes state. See the
	// ConnState type and associated constants for details.
	ConnState func(net.Conn, ConnState)

	// ConnContext optionally specifies a function that modifies
	// the context used for a new connection c. The provided ctx
	// is the base context of Serve.
	ConnContext func(ctx context.Context, c net.Conn) context.Context

	inShutdown atomic.Bool // true when server is in shutdown

	mu            sync.RWMutex
	listeners     map[*net.Listener]struct{}
	activeConn    map[*conn]struct{} // set of tracked connections
	onShutdown    []func()
	listenerGroup sync.WaitGroup

	broker *Broker
}

func NewServer(ctx context.Context, opts ...BrokerOption) *Server {
	s := &Server{
		activeConn: make(map[*conn]struct{}),
		listeners:  make(map[*net.Listener]struct{}),
	}
	defaultAuth := WithAuthenticator(func(username, password string) bool {
		want, ok := CONFIG.GetAuth(username)
		return ok && want == password
	})
	s.broker = newBroker(ctx, append([]BrokerOption{defaultAuth}, opts...)...)

	go func() {
		select {
		case <-ctx.Done():
			if err := s.Shutdown(ctx); err != nil {
				panic(err)
			}
		}
	}()
	return s
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	s.mu.Lock()
	lnerr := s.closeListenersLocked()
	for _, f := range s.onShutdown {
		go f()
	}
	s.mu.Unlock()
	s.listenerGroup.Wait()

	pollIntervalBase := time.Millisecond
	nextPollInterval := func() time.Duration {
		// Add 10% jitter.
		interval := pollIntervalBase + time.Duration(rand.Intn(int(pollIntervalBase/10)))
		// Double and clamp for next time.
		pollIntervalBase *= 2
		if pollIntervalBase > shutdownPollIntervalMax {
			pollIntervalBase = shutdownPollIntervalMax
		}
		return interval
	}

	timer := time.NewTimer(nextPollInterval())
	defer timer.Stop()
	for {
		if s.closeIdleConns() {
			return lnerr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			timer.Reset(nextPollInterval())
		}
	}
}

// closeIdleConns closes all idle connections and reports whether the
// server is quiescent.
func (s *Server) closeIdleConns() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	quiescent := true
	for c := range s.activeConn {
		st, unixSec := c.getState()
		// Issue 22682: treat StateNew connections as if
		// they're idle if we haven't read the first request's
		// header in over 5 seconds.
		if st == StateNew && unixSec < time.Now().Unix()-5 {
			st = StateIdle
		}
		if st != StateIdle || unixSec == 0 {
			// Assume unixSec == 0 means it's a very new
			// connection, without state set yet.
			quiescent = false
			continue
		}
		_ = c.rwc.Close()
		delete(s.activeConn, c)
	}
	return quiescent
}
func (s *Server) closeListenersLocked() error {
	var err error
	for ln := range s.listeners {
		if cerr := (*ln).Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Create new connection from rwc.
func (s *Server) newConn(rwc net.Conn) *conn {
	c := &conn{server: s, rwc: rwc, inFight: newInFight()}
	return c
}

// Serve accepts incoming connections on the Listener l, creating a
// new service goroutine for each. The service goroutines read requests and
// then call srv.Handler to reply to them.
//
// Serve always returns a non-nil error and closes l.
// After [Server.Shutdown], the returned error is [ErrServerClosed].
func (s *Server) Serve(l net.Listener) error {
	defer l.Close()

	if !s.trackListener(&l, true) {
		return ErrServerClosed
	}
	defer s.trackListener(&l, false)

	ctx := context.Background()

	for {
		rw, err := l.Accept()
		if err != nil {
			if s.shuttingDown() {
				return ErrServerClosed
			}
			return err
		}
		connCtx := ctx
		if cc := s.ConnContext; cc != nil {
			connCtx = cc(connCtx, rw)
			if connCtx == nil {
				panic("ConnContext returned nil")
			}
		}
		c := s.newConn(rw)
		c.setState(c.rwc, StateNew, true) // before Serve can return
		go c.serve(connCtx)
	}
}

func (s *Server) trackConn(c *conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		stat.ActiveConnections.Inc()
		s.activeConn[c] = struct{}{}
	} else {
		stat.ActiveConnections.Dec()
		delete(s.activeConn, c)
	}
}

// trackListener adds or removes a net.Listener to the set of tracked
// listeners.
//
// We store a pointer to interface in the map set, in case the
// net.Listener is not comparable. This is safe because we only call
// trackListener via Serve and can track+defer untrack the same
// pointer to local variable there. We never need to compare a
// Listener from another caller.
//
// It reports whether the server is still up (not Shutdown or Closed).
func (s *Server) trackListener(ln *net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners == nil {
		s.listeners = make(map[*net.Listener]struct{})
	}
	if add {
		if s.shuttingDown() {
			return false
		}
		s.listeners[ln] = struct{}{}
		s.listenerGroup.Add(1)
	} else {
		delete(s.listeners, ln)
		s.listenerGroup.Done()
	}
	return true
}
func (s *Server) shuttingDown() bool {
	return s.inShutdown.Load()
}

// ErrServerClosed is returned by the [Server.Serve], [ServeTLS], [ListenAndServe],
// and [ListenAndServeTLS] methods after a call to [Server.Shutdown] or [Server.Close].
var ErrServerClosed = errors.New("mqtt: Server closed")

func (s *Server) ListenAndServe(opts ...Option) error {
	options := newOptions(opts...)
	if s.shuttingDown() {
		return ErrServerClosed
	}
	u, err := url.Parse(options.URL)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return err
	}
	log.Printf("mqtt serve: %s", u.Host)
	return s.Serve(ln)
}

func (s *Server) ServeTLS(l net.Listener, certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return err
	}
	config := &tls.Config{Certificates: []tls.Certificate{cert}}
	tlsListener := tls.NewListener(l, config)
	return s.Serve(tlsListener)
}

func (s *Server) ListenAndServeTLS(certFile, keyFile string, opts ...Option) error {
	if s.shuttingDown() {
		return ErrServerClosed
	}
	options := newOptions(opts...)
	u, err := url.Parse(options.URL)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return err
	}
	log.Printf("mqtt(s) serve: %s", u.Host)
	return s.ServeTLS(ln, certFile, keyFile)
}

// ListenAndServeWebsocket TODO
func (s *Server) ListenAndServeWebsocket(opts ...Option) error {
	if s.shuttingDown() {
		return ErrServerClosed
	}
	options := newOptions(opts...)
	u, err := url.Parse(options.URL)
	if err != nil {
		return err
	}
	s.WebsocketHandler = func(ws *websocket.Conn) {
		ws.PayloadType = websocket.BinaryFrame
		c := s.newConn(ws)
		c.setState(c.rwc, StateNew, true) // before Serve can return
		c.serve(context.Background())
	}

	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return err
	}
	log.Printf("websocket serve: %s[todo]", u.Host)
	return s.Serve(ln)
}
