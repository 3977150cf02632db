package smtp

import (
	"net"

	"github.com/sirupsen/logrus"

	"github.com/cloudgate/smtpd/loop"
)

// ConnectionDriver owns one connection's Stream, RecvBuffer, SendBuffer
// and SessionMachine, translating the machine's Action directives into
// loop.Registrar calls. It is the piece that finally closes the gap
// between spec.md's "external event loop" collaborator and a concrete
// net.Conn, generalizing the teacher's per-connection goroutine
// (smtp.Server.handleConnection's read-parse-reply loop) into a
// callback driven by loop.Reactor (or any other Registrar).
type ConnectionDriver struct {
	cfg     *Config
	machine *SessionMachine
	stream  *TLSStream

	recv RecvBuffer
	send SendBuffer

	registrar loop.Registrar
	token     loop.Token
	log       logrus.FieldLogger
}

// NewConnectionDriver creates a driver for a freshly-accepted conn. It
// registers the connection with registrar and runs Start immediately,
// since spec.md's start() happens before any bytes are read.
func NewConnectionDriver(cfg *Config, handler Handler, conn net.Conn, registrar loop.Registrar) (*ConnectionDriver, error) {
	d := &ConnectionDriver{
		cfg:       cfg,
		machine:   NewSessionMachine(cfg, handler),
		stream:    NewTLSStream(conn, cfg.TLSConfig),
		registrar: registrar,
	}
	d.log = cfg.logger().WithField("remote_addr", conn.RemoteAddr().String())

	tok, err := registrar.Register(conn, loop.Registration{Interest: loop.Readable})
	if err != nil {
		return nil, err
	}
	d.token = tok

	seed := StartSeed{RemoteAddr: conn.RemoteAddr(), LocalAddr: conn.LocalAddr()}
	_, action := d.machine.Start(seed, registrar.Notifier(tok), &d.send)
	d.apply(action)
	return d, nil
}

// Token returns the loop.Registrar token this driver's connection is
// registered under.
func (d *ConnectionDriver) Token() loop.Token { return d.token }

// Ready is invoked by the loop runtime whenever this connection's
// registered interest fires.
func (d *ConnectionDriver) Ready(interest loop.Interest) {
	var action Action
	switch {
	case d.machine.pendingWakeup != nil && interest != loop.Writable:
		action = d.machine.Wakeup(&d.send)
	case interest == loop.Writable:
		action = d.drainThenContinue()
	default:
		action = d.readThenPump()
	}
	d.apply(action)
}

func (d *ConnectionDriver) readThenPump() Action {
	n, status, err := d.recv.TryRead(d.stream)
	if err != nil || (n == 0 && status == IOEOF) {
		d.log.WithError(err).Debug("connection closed by peer")
		return ActionClose
	}
	if status == IOWouldBlock && n == 0 {
		return ActionRead
	}
	return d.machine.Receive(&d.recv, &d.send)
}

func (d *ConnectionDriver) drainThenContinue() Action {
	done, err := d.send.TryWrite(d.stream)
	if err != nil {
		d.log.WithError(err).Debug("write failed")
		return ActionClose
	}
	if !done {
		return ActionWrite
	}
	if !d.recv.IsEmpty() {
		return d.machine.Receive(&d.recv, &d.send)
	}
	return ActionRead
}

// apply translates action into the next loop.Registration, looping
// internally for the purely-local transitions (Write -> Read once
// drained, StartTLS handshake, Close).
func (d *ConnectionDriver) apply(action Action) {
	for {
		switch action {
		case ActionRead:
			d.registrar.Reregister(d.token, loop.Registration{Interest: loop.Readable})
			return
		case ActionWait:
			return
		case ActionWrite:
			done, err := d.send.TryWrite(d.stream)
			if err != nil {
				d.log.WithError(err).Debug("write failed")
				action = ActionClose
				continue
			}
			if !done {
				d.registrar.Reregister(d.token, loop.Registration{Interest: loop.Writable})
				return
			}
			action = ActionRead
			continue
		case ActionStartTLS:
			if _, err := d.send.TryWrite(d.stream); err != nil {
				action = ActionClose
				continue
			}

			// Spec requires both buffers cleared before the handshake
			// starts: any plaintext a client pipelined ahead of STARTTLS
			// (e.g. "STARTTLS\r\nMAIL FROM:<attacker@evil>\r\n" in one
			// segment) must never be parsed as though it arrived over the
			// now-secure channel.
			d.recv.Clear()
			d.send.Clear()

			if err := d.stream.AcceptSecure(); err != nil {
				d.log.WithError(err).Warn("TLS handshake failed")
				action = ActionClose
				continue
			}
			action = d.machine.ConfirmTLS(d.stream.PeerCertificate())
			continue
		case ActionClose:
			d.send.TryWrite(d.stream)
			d.registrar.Deregister(d.token)
			d.stream.Conn().Close()
			return
		default:
			return
		}
	}
}
