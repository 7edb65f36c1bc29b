package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/latticemq/broker/packet"
	"golang.org/x/net/websocket"
)

// conn represents one MQTT network connection.
type conn struct {
	// server is the server on which the connection arrived. It is nil
	// for the conn a Client creates for its own outgoing connection.
	server *Server

	// cancelCtx cancels the connection-level context.
	cancelCtx context.CancelFunc

	// rwc is the underlying network connection.
	// It is usually of type *net.TCPConn, *tls.Conn or *websocket.Conn.
	rwc net.Conn

	// remoteAddr is rwc.RemoteAddr().String(). It is not populated synchronously
	// inside the Listener's Accept goroutine, as some implementations block.
	// It is populated immediately inside the (*conn).serve goroutine.
	remoteAddr string

	//rbuf bufio.Reader
	//wbuf bufio.Writer

	// tlsState is the TLS connection state when using TLS. nil means not TLS.
	tlsState *tls.ConnectionState

	curState atomic.Uint64 // packed (unix time<<8|uint8(ConnState))

	inFight  *InFight // 用这个字典来保存没有处理完QoS1，2的报文
	ID       string
	version  byte // mqtt version
	PacketID uint16
	mu       sync.Mutex
}

func (c *conn) setState(nc net.Conn, state ConnState, runHook bool) {
	srv := c.server
	switch state {
	case StateNew:
		srv.trackConn(c, true)
	case StateHijacked, StateClosed:
		srv.trackConn(c, false)
	default:
	}
	if state > 0xFF || state < 0 {
		panic("invalid conn state")
	}
	packedState := uint64(time.Now().Unix()<<8) | uint64(state)
	c.curState.Store(packedState)
	if !runHook {
		return
	}
	if hook := srv.ConnState; hook != nil {
		hook(nc, state)
	}
}

// send packs and writes pkt directly to the connection. Unlike OnSend
// (which answers the packet currently being handled), send is used by
// the broker loop to push packets unprompted by the triggering
// connection's own request - retained/offline/fanned-out PUBLISH.
func (c *conn) send(pkt packet.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stat.PacketSent.Inc()
	return pkt.Pack(c)
}

func (c *conn) Write(w []byte) (int, error) {
	//c.mu.Lock()
	//defer c.mu.Unlock()
	if c.rwc == nil {
		return 0, fmt.Errorf("connection is nil or closed")
	}
	return c.rwc.Write(w)
}

func (c *conn) getState() (state ConnState, unixSec int64) {
	packedState := c.curState.Load()
	return ConnState(packedState & 0xFF), int64(packedState >> 8)
}

// Close the connection.
func (c *conn) close() {
	_ = c.rwc.Close()
}

// Serve a new connection.
func (c *conn) serve(ctx context.Context) {
	// 兼容 websocket.Conn 的 RemoteAddr 字段实现，避免 URL.String 的空指针
	if ws, ok := c.rwc.(*websocket.Conn); ok {
		if req := ws.Request(); req != nil {
			c.remoteAddr = req.RemoteAddr
		} else {
			// 兜底不调用 ra.String()，避免潜在的 URL nil 崩溃
			c.remoteAddr = ""
		}
	} else {
		if ra := c.rwc.RemoteAddr(); ra != nil {
			c.remoteAddr = ra.String()
		}
	}

	logger := c.server.broker.opts.Logger

	// 记录客户端连接日志
	logger.Info("connect connected", slog.String("remote", c.remoteAddr))

	defer func() {
		if err := recover(); err != nil && err != ErrAbortHandler {
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			logger.Warn("panic serving connection", slog.String("remote", c.remoteAddr), slog.Any("err", err), slog.String("stack", string(buf)))
		}

		// 记录客户端断开连接日志
		logger.Info("connect disconnected", slog.String("client_id", c.ID), slog.String("remote", c.remoteAddr))

		c.server.broker.submit(func() {
			s, ok := c.server.broker.sessions.findByConn(c)
			if !ok {
				return
			}
			c.server.broker.closeProc(s, true)
		})
		c.close()
		c.setState(c.rwc, StateClosed, true)
	}()
	// TODO: TLS handle
	if tlsConn, ok := c.rwc.(*tls.Conn); ok {

		tlsTO := 10 * time.Second //c.server.tlsHandshakeTimeout()
		if tlsTO > 0 {
			dl := time.Now().Add(tlsTO)
			_ = c.rwc.SetReadDeadline(dl)
			_ = c.rwc.SetWriteDeadline(dl)
		}
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			// If the handshake failed due to the client not speaking
			// TLS, assume they're speaking plaintext HTTP and write a
			// 400 response on the TLS conn is underlying net.Conn.
			var reason string
			if re, ok := err.(tls.RecordHeaderError); ok && re.Conn != nil {
				_, _ = io.WriteString(re.Conn, "HTTP/1.0 400 Bad Request\r\n\r\nClient sent an HTTP request to an HTTPS server.\n")
				_ = re.Conn.Close()
				reason = "client sent an HTTP request to an HTTPS server"
			} else {
				reason = err.Error()
			}
			logger.Warn("TLS handshake error", slog.Any("remote", c.rwc.RemoteAddr()), slog.String("reason", reason))
			return
		}
		// Restore Conn-level deadlines.
		if tlsTO > 0 {
			_ = c.rwc.SetReadDeadline(time.Time{})
			_ = c.rwc.SetWriteDeadline(time.Time{})
		}
		c.tlsState = new(tls.ConnectionState)
		*c.tlsState = tlsConn.ConnectionState()
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancelCtx = cancel
	defer cancel()

	for {
		rw, err := c.readRequest(ctx)
		if err != nil {
			logger.Warn("readRequest failed", slog.Any("err", err))
			return
		}
		serverHandler{c.server}.ServeMQTT(rw, rw.packet)
		c.setState(c.rwc, StateIdle, true)
	}
}

// Read next request from connection.
func (c *conn) readRequest(_ context.Context) (*response, error) {
	w, err := &response{conn: c}, error(nil)
	w.packet, err = packet.Unpack(c.version, c.rwc)
	stat.PacketReceived.Inc()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("makeRequest: version=%d, %s, err=%w", c.version, packet.Kind[w.packet.Kind()], err)
	}
	return w, err
}

type defaultHandler struct{}

// ServeMQTT dispatches one decoded packet onto the broker's single
// cooperative loop and waits for it to run (§5: per-connection
// receive order is preserved because the read loop only decodes the
// next packet after this submit returns). All session-mutating work
// happens inside the submitted closure; only the outbound packet,
// once computed, is written back here.
func (defaultHandler) ServeMQTT(w ResponseWriter, req packet.Packet) {
	c := w.(*response).conn
	b := c.server.broker

	var spkt packet.Packet
	var flushRetained func()
	disconnecting := false
	b.submit(func() {
		switch rpkt := req.(type) {
		case *packet.RESERVED:
		case *packet.CONNECT:
			spkt = b.handleConnect(c, rpkt)
		case *packet.PUBLISH:
			s, ok := b.sessions.findByConn(c)
			if !ok {
				return
			}
			spkt = b.handlePublish(s, rpkt)
		case *packet.PUBACK:
			if s, ok := b.sessions.findByConn(c); ok {
				b.handlePuback(s, rpkt)
			}
		case *packet.PUBREC:
			if s, ok := b.sessions.findByConn(c); ok {
				spkt = b.handlePubrec(s, rpkt)
			}
		case *packet.PUBREL:
			if s, ok := b.sessions.findByConn(c); ok {
				spkt = b.handlePubrel(s, rpkt)
			}
		case *packet.PUBCOMP:
			if s, ok := b.sessions.findByConn(c); ok {
				b.handlePubcomp(s, rpkt)
			}
		case *packet.SUBSCRIBE:
			if s, ok := b.sessions.findByConn(c); ok {
				spkt, flushRetained = b.handleSubscribe(s, rpkt)
			}
		case *packet.UNSUBSCRIBE:
			if s, ok := b.sessions.findByConn(c); ok {
				spkt = b.handleUnsubscribe(s, rpkt)
			}
		case *packet.PINGREQ:
			// 服务端必须发送 PINGRESP报文响应客户端的PINGREQ报文 [MQTT-3.12.4-1]。
			if !b.opts.SuppressPingResp {
				spkt = &packet.PINGRESP{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PINGRESP}}
			}
		case *packet.DISCONNECT:
			b.opts.Logger.Info("client requested disconnect", slog.String("client_id", c.ID), slog.String("remote", c.remoteAddr))
			if s, ok := b.sessions.findByConn(c); ok {
				// 服务端在收到DISCONNECT报文时必须丢弃任何与当前连接关联的未发布的遗嘱消息 [MQTT-3.14.4-3]。
				s.will = nil
				b.closeProc(s, false)
			}
			disconnecting = true
		case *packet.AUTH:
		default:
			panic(fmt.Sprintf("unknown packet type: %T", rpkt))
		}
	})

	if disconnecting {
		if b.opts.PreCloseDelay > 0 {
			time.Sleep(b.opts.PreCloseDelay)
		}
		b.submit(func() {
			if s, ok := b.sessions.findByConn(c); ok {
				// 服务端在收到DISCONNECT报文时必须丢弃任何与当前连接关联的未发布的遗嘱消息 [MQTT-3.14.4-3]。
				s.will = nil
				b.closeProc(s, false)
			}
		})
		panic(ErrAbortHandler) // 服务端应该关闭网络连接，如果客户端 还没有这么做。
	}
	if spkt == nil {
		return
	}
	if err := w.OnSend(spkt); err != nil {
		b.opts.Logger.Warn("onSend failed", slog.Any("err", err))
		return
	}
	if flushRetained != nil {
		flushRetained()
	}
}
