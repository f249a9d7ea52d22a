package kdc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"

	"github.com/kardianos/gokdc/kdclog"
	"github.com/kardianos/gokdc/krb5"
)

// MaxMessageSize bounds a single message on either transport.
const MaxMessageSize = 65535

// ServerConfig configures a Server.
type ServerConfig struct {
	// Addr is the UDP and TCP listen address (default ":88").
	Addr string

	// ReusePort sets SO_REUSEPORT on both sockets.
	ReusePort bool

	// MaxConcurrent bounds the messages handled at once (default 256).
	MaxConcurrent int

	// ReadTimeout is how long a TCP connection may sit idle (default 30s).
	ReadTimeout time.Duration

	// WriteTimeout bounds writing one reply (default 10s).
	WriteTimeout time.Duration

	Log *kdclog.Logger
}

// Server carries KDC messages over UDP and TCP to a Handler.
type Server struct {
	handler *Handler
	config  ServerConfig
	log     *kdclog.Logger
	sem     chan struct{}

	udp *net.UDPConn
	tcp net.Listener

	mu      sync.Mutex
	running bool
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup

	ready chan struct{}
	done  chan struct{}
}

func NewServer(h *Handler, cfg ServerConfig) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":88"
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 256
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Server{
		handler: h,
		config:  cfg,
		log:     cfg.Log,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		conns:   make(map[net.Conn]struct{}),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start listens on UDP and TCP and serves in the background until ctx is
// cancelled. Use Wait to block until the server has fully stopped.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("kdc: server already running")
	}
	select {
	case <-s.done:
		return errors.New("kdc: server cannot be restarted")
	default:
	}

	lc, err := listenConfig(s.config.ReusePort)
	if err != nil {
		return err
	}
	pc, err := lc.ListenPacket(ctx, "udp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen UDP: %w", err)
	}
	s.udp = pc.(*net.UDPConn)

	// With port 0 the TCP socket takes the port the UDP socket was given.
	tcpAddr := s.config.Addr
	if host, port, err := net.SplitHostPort(tcpAddr); err == nil && port == "0" {
		tcpAddr = net.JoinHostPort(host, fmt.Sprint(s.udp.LocalAddr().(*net.UDPAddr).Port))
	}
	s.tcp, err = lc.Listen(ctx, "tcp", tcpAddr)
	if err != nil {
		s.udp.Close()
		return fmt.Errorf("listen TCP: %w", err)
	}

	s.running = true
	s.wg.Add(2)
	go s.serveUDP()
	go s.serveTCP()
	go s.watchContext(ctx)

	s.log.Printf(kdclog.AreaTransport, "KDC listening on %s (realm %s)", s.Addr(), s.handler.kdc.realm)
	close(s.ready)
	return nil
}

func (s *Server) watchContext(ctx context.Context) {
	<-ctx.Done()
	s.stop()
}

func (s *Server) stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.udp.Close()
	s.tcp.Close()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Printf(kdclog.AreaTransport, "KDC stopped")
	close(s.done)
}

// Wait blocks until the server has fully stopped.
func (s *Server) Wait() {
	<-s.done
}

// Done is closed when the server has fully stopped.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Ready blocks until the server is accepting messages or ctx is done.
func (s *Server) Ready(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr is the address the server is listening on, useful when the
// configured port is 0.
func (s *Server) Addr() string {
	if s.tcp != nil {
		return s.tcp.Addr().String()
	}
	return s.config.Addr
}

func (s *Server) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) acquire() {
	s.sem <- struct{}{}
	s.handler.kdc.metrics.inFlight(1)
}

func (s *Server) release() {
	s.handler.kdc.metrics.inFlight(-1)
	<-s.sem
}

func (s *Server) serveUDP() {
	defer s.wg.Done()

	buf := make([]byte, MaxMessageSize)
	for {
		n, addr, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			if s.isRunning() {
				s.log.Errorf(kdclog.AreaTransport, "UDP read error: %v", err)
			}
			return
		}
		msg := make([]byte, n)
		copy(msg, buf[:n])

		s.acquire()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release()

			resp := s.handle(msg, false, addr)
			if resp == nil {
				return
			}
			if _, err := s.udp.WriteToUDP(resp, addr); err != nil && s.isRunning() {
				s.log.Printf(kdclog.AreaTransport, "UDP write to %s error: %v", addr, err)
			}
		}()
	}
}

func (s *Server) serveTCP() {
	defer s.wg.Done()

	for {
		conn, err := s.tcp.Accept()
		if err != nil {
			if s.isRunning() {
				s.log.Errorf(kdclog.AreaTransport, "TCP accept error: %v", err)
			}
			return
		}
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleTCPConn(conn)
	}
}

func (s *Server) handleTCPConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	peer := conn.RemoteAddr()
	lenBuf := make([]byte, 4)
	for {
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			if err != io.EOF && s.isRunning() {
				s.log.Debugf(kdclog.AreaTransport, "TCP read length from %s: %v", peer, err)
			}
			return
		}
		msgLen := binary.BigEndian.Uint32(lenBuf)
		if msgLen > MaxMessageSize {
			s.log.Printf(kdclog.AreaTransport, "TCP message from %s too large: %d", peer, msgLen)
			return
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(conn, msg); err != nil {
			s.log.Debugf(kdclog.AreaTransport, "TCP read message from %s: %v", peer, err)
			return
		}

		s.acquire()
		resp := s.handle(msg, true, peer)
		s.release()
		if resp == nil {
			return
		}

		conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		if _, err := conn.Write(resp); err != nil {
			s.log.Debugf(kdclog.AreaTransport, "TCP write to %s: %v", peer, err)
			return
		}
	}
}

// handle runs one message through the handler. Errors are answered with
// a KRB-ERROR so the client is not left waiting for a timeout.
func (s *Server) handle(msg []byte, stream bool, peer net.Addr) []byte {
	resp, err := s.handler.HandleMessage(msg, stream, peer)
	if err == nil {
		return resp
	}
	s.log.Printf(kdclog.AreaTransport, "request from %s: %v", peer, err)
	resp, err = s.handler.ErrorReply(err, stream)
	if err != nil {
		s.log.Errorf(kdclog.AreaTransport, "error reply to %s: %v", peer, err)
		return nil
	}
	return resp
}

// ErrorReply encodes the KRB-ERROR sent for a HandleMessage error, framed
// like HandleMessage frames its replies. A realm mismatch becomes
// KDC_ERR_WRONG_REALM and everything else KRB_ERR_GENERIC.
func (h *Handler) ErrorReply(cause error, stream bool) ([]byte, error) {
	c := h.kdc
	code := int32(errorcode.KRB_ERR_GENERIC)
	text := "request failed"
	var realmErr *RealmError
	switch {
	case errors.As(cause, &realmErr):
		code, text = errorcode.KDC_ERR_WRONG_REALM, "wrong realm"
	case errors.Is(cause, ErrDecodeFailed):
		text = "malformed request"
	case errors.Is(cause, ErrUnsupportedMessageType):
		text = "unsupported message type"
	}
	e := krb5.NewKRBError(c.realm, krb5.TGSName(c.realm), code, text)
	enc, err := c.codec.Encode(e)
	if err != nil {
		return nil, err
	}
	c.metrics.recordKRBError(code)
	if !stream {
		return enc, nil
	}
	out := make([]byte, 0, len(enc)+4)
	out = binary.BigEndian.AppendUint32(out, uint32(len(enc)))
	return append(out, enc...), nil
}
