// Package session owns the TLS connection to the PACS controller and speaks
// its length-prefixed JSON protocol.
package session

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/HsiangNianian/pacs-bridge/internal/frame"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

var (
	ErrNotConnected     = errors.New("controller session not connected")
	ErrConnectionClosed = errors.New("controller connection closed")
	ErrConnectFailed    = errors.New("controller connect failed")
	ErrFrameTooLarge    = errors.New("controller frame exceeds size limit")
)

type Options struct {
	Addr         string
	CertFile     string
	KeyFile      string
	ServerName   string
	Retries      int
	Delay        time.Duration
	Timeout      time.Duration
	FrameTimeout time.Duration
	MaxFrameSize int
	// LegacyCiphers also offers the RSA key exchange and other suites Go
	// leaves out by default, which older controller firmware requires.
	LegacyCiphers bool
}

type dialFunc func(ctx context.Context) (net.Conn, error)

// Session is safe for one reader and any number of concurrent senders.
type Session struct {
	opts   Options
	logger *zap.Logger
	dial   dialFunc
	state  atomic.Int32

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
}

// New loads the client certificate and prepares a session. It does not connect.
func New(opts Options, logger *zap.Logger) (*Session, error) {
	tlsConfig, err := clientTLSConfig(opts)
	if err != nil {
		return nil, err
	}
	s := newSession(opts, logger, nil)
	s.dial = func(ctx context.Context) (net.Conn, error) {
		d := tls.Dialer{
			NetDialer: &net.Dialer{Timeout: opts.Timeout},
			Config:    tlsConfig,
		}
		return d.DialContext(ctx, "tcp", opts.Addr)
	}
	return s, nil
}

func newSession(opts Options, logger *zap.Logger, dial dialFunc) *Session {
	if opts.Retries <= 0 {
		opts.Retries = 1
	}
	if opts.FrameTimeout <= 0 {
		opts.FrameTimeout = 30 * time.Second
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = 16 << 20
	}
	return &Session{opts: opts, logger: logger, dial: dial}
}

// clientTLSConfig presents the configured certificate and trusts it as the
// only root, with the controller's logical name pinned for verification.
func clientTLSConfig(opts Options) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load controller key pair: %w", err)
	}
	pem, err := os.ReadFile(opts.CertFile)
	if err != nil {
		return nil, fmt.Errorf("read controller cert: %w", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", opts.CertFile)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      roots,
		ServerName:   opts.ServerName,
		// the controller firmware only speaks old protocol versions
		MinVersion: tls.VersionTLS10,
	}
	if opts.LegacyCiphers {
		cfg.CipherSuites = legacyCipherSuites()
	}
	return cfg, nil
}

func legacyCipherSuites() []uint16 {
	var ids []uint16
	for _, s := range tls.CipherSuites() {
		ids = append(ids, s.ID)
	}
	for _, s := range tls.InsecureCipherSuites() {
		ids = append(ids, s.ID)
	}
	return ids
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Connect dials the controller, retrying up to the configured number of
// attempts with a fixed delay between them.
func (s *Session) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= s.opts.Retries; attempt++ {
		s.state.Store(int32(Connecting))
		conn, err := s.dialOnce(ctx)
		if err == nil {
			s.mu.Lock()
			s.conn = conn
			s.reader = bufio.NewReader(conn)
			s.mu.Unlock()
			s.state.Store(int32(Connected))
			s.logger.Info("controller connected", zap.String("addr", s.opts.Addr), zap.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		s.state.Store(int32(Disconnected))
		s.logger.Warn("controller connect attempt failed",
			zap.String("addr", s.opts.Addr),
			zap.Int("attempt", attempt),
			zap.Int("retries", s.opts.Retries),
			zap.Error(err))

		if attempt == s.opts.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrConnectFailed, ctx.Err())
		case <-time.After(s.opts.Delay):
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrConnectFailed, s.opts.Addr, s.opts.Retries, lastErr)
}

func (s *Session) dialOnce(ctx context.Context) (net.Conn, error) {
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}
	return s.dial(ctx)
}

// Reconnect drops the current connection and connects again.
func (s *Session) Reconnect(ctx context.Context) error {
	_ = s.Close()
	return s.Connect(ctx)
}

func (s *Session) current() (net.Conn, *bufio.Reader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.reader
}

// Send writes b in full. Concurrent calls never interleave their bytes.
func (s *Session) Send(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, _ := s.current()
	if conn == nil {
		return ErrNotConnected
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.FrameTimeout))
	if _, err := conn.Write(b); err != nil {
		return s.fail(conn, err)
	}
	s.logger.Debug("sent to controller", zap.Int("bytes", len(b)))
	return nil
}

// SendCommand frames v and sends it.
func (s *Session) SendCommand(v any) error {
	b, err := frame.Encode(v)
	if err != nil {
		return err
	}
	return s.Send(b)
}

// ReceiveExactly blocks until n bytes have arrived.
func (s *Session) ReceiveExactly(n int) ([]byte, error) {
	conn, r := s.current()
	if conn == nil {
		return nil, ErrNotConnected
	}
	_ = conn.SetReadDeadline(time.Time{})
	b, err := readExactly(r, n)
	if err != nil {
		return nil, s.fail(conn, err)
	}
	return b, nil
}

// ReceiveFrame returns the payload of the next frame. A nil payload with a
// nil error means nothing arrived within timeout. Once a frame has started,
// the rest of it must arrive within the frame timeout.
func (s *Session) ReceiveFrame(timeout time.Duration) ([]byte, error) {
	conn, r := s.current()
	if conn == nil {
		return nil, ErrNotConnected
	}

	var header [frame.HeaderSize]byte
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	if _, err := r.ReadByte(); err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		return nil, s.fail(conn, err)
	}
	if err := r.UnreadByte(); err != nil {
		return nil, s.fail(conn, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.opts.FrameTimeout))
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, s.fail(conn, err)
	}
	n, _ := frame.DecodeHeader(header[:])
	if uint64(n) > uint64(s.opts.MaxFrameSize) {
		_ = s.closeConn(conn)
		return nil, fmt.Errorf("%w: %w: %d bytes", ErrConnectionClosed, ErrFrameTooLarge, n)
	}
	payload, err := readExactly(r, int(n))
	if err != nil {
		return nil, s.fail(conn, err)
	}
	s.logger.Debug("received from controller", zap.Uint32("bytes", n))
	return payload, nil
}

// Close shuts the connection down. It is safe to call more than once.
func (s *Session) Close() error {
	conn, _ := s.current()
	if conn == nil {
		return nil
	}
	return s.closeConn(conn)
}

func (s *Session) fail(conn net.Conn, err error) error {
	_ = s.closeConn(conn)
	if errors.Is(err, ErrConnectionClosed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
}

// closeConn closes conn if it is still the active connection.
func (s *Session) closeConn(conn net.Conn) error {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return nil
	}
	s.conn = nil
	s.reader = nil
	s.mu.Unlock()

	s.state.Store(int32(Disconnected))
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	err := conn.Close()
	s.logger.Info("controller connection closed", zap.String("addr", s.opts.Addr))
	return err
}

// readExactly never returns fewer than n bytes; a stream that ends first
// yields ErrConnectionClosed.
func readExactly(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
		}
		return nil, err
	}
	return buf, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
