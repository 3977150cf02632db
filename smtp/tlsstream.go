package smtp

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"time"

	"github.com/cloudgate/smtpd/loop"
)

// IOStatus classifies the outcome of a single nonblocking I/O attempt.
type IOStatus int

const (
	IOOk IOStatus = iota
	IOWouldBlock
	IOEOF
)

// Stream is the start-TLS-capable transport a connection owns: plain
// until STARTTLS succeeds, then TLS for the remainder of the session.
// Reads and writes are forwarded to the raw socket in Clear and to the
// TLS engine in Secure; Handshaking is neither readable nor writable for
// application data.
type Stream interface {
	TryRead(p []byte) (n int, status IOStatus, err error)
	TryWrite(p []byte) (n int, status IOStatus, err error)
	// AcceptSecure runs (or continues) the server-side TLS handshake.
	// Returns nil once the handshake has completed.
	AcceptSecure() error
	PeerCertificate() *x509.Certificate
	IsSecure() bool
}

type securityState int

const (
	secClear securityState = iota
	secHandshaking
	secSecure
)

// TLSStream is the Stream implementation used by ConnectionDriver when
// the underlying resource is a real net.Conn. It emulates "nonblocking"
// semantics over Go's blocking net.Conn with a zero-wait read/write
// deadline. TryRead first returns any byte the reference loop.Reactor's
// readiness watcher consumed while probing (see loop.TakePushback).
type TLSStream struct {
	conn      net.Conn
	tlsConfig *tls.Config
	state     securityState
	peerCert  *x509.Certificate
}

// NewTLSStream wraps conn. cfg may be nil, in which case STARTTLS always
// fails with an error (the embedder didn't configure a certificate).
func NewTLSStream(conn net.Conn, cfg *tls.Config) *TLSStream {
	return &TLSStream{conn: conn, tlsConfig: cfg}
}

// Conn returns the underlying net.Conn, for collaborators (the loop
// Registrar) that need the raw resource.
func (s *TLSStream) Conn() net.Conn { return s.conn }

func (s *TLSStream) IsSecure() bool { return s.state == secSecure }

func (s *TLSStream) PeerCertificate() *x509.Certificate { return s.peerCert }

func (s *TLSStream) TryRead(p []byte) (int, IOStatus, error) {
	if s.state == secHandshaking {
		return 0, IOWouldBlock, nil
	}

	if pb := loop.TakePushback(s.conn); len(pb) > 0 {
		n := copy(p, pb)
		return n, IOOk, nil
	}

	s.conn.SetReadDeadline(time.Now())
	n, err := s.conn.Read(p)
	s.conn.SetReadDeadline(time.Time{})
	return classifyIO(n, err)
}

func (s *TLSStream) TryWrite(p []byte) (int, IOStatus, error) {
	if s.state == secHandshaking {
		return 0, IOWouldBlock, nil
	}
	s.conn.SetWriteDeadline(time.Now())
	n, err := s.conn.Write(p)
	s.conn.SetWriteDeadline(time.Time{})
	return classifyIO(n, err)
}

func classifyIO(n int, err error) (int, IOStatus, error) {
	if err == nil {
		return n, IOOk, nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return n, IOWouldBlock, nil
	}
	if err.Error() == "EOF" {
		return n, IOEOF, nil
	}
	return n, IOOk, err
}

// AcceptSecure performs the server-side TLS handshake over the current
// plain socket. The conn field is swapped for the *tls.Conn on success so
// all subsequent TryRead/TryWrite calls go through TLS.
func (s *TLSStream) AcceptSecure() error {
	if s.tlsConfig == nil {
		return errNoTLSConfig
	}
	s.state = secHandshaking
	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	s.conn = tlsConn
	s.state = secSecure
	if cs := tlsConn.ConnectionState(); len(cs.PeerCertificates) > 0 {
		s.peerCert = cs.PeerCertificates[0]
	}
	return nil
}

var errNoTLSConfig = tlsConfigError("smtp: no TLS configuration available")

type tlsConfigError string

func (e tlsConfigError) Error() string { return string(e) }
