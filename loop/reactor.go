package loop

import (
	"errors"
	"net"
	"sync"
)

// Reactor is a reference Registrar good enough to drive the package's
// own tests and the example cmd/smtpd. Real deployments embedding this
// module are expected to bring their own epoll/kqueue-backed loop and
// implement Registrar directly; spec treats the loop runtime as an
// external collaborator.
//
// Each registered net.Conn gets one dedicated goroutine that blocks on
// Read and forwards a readiness pulse (not the bytes themselves — those
// are still read by smtp.Stream.TryRead) to the Reactor's single
// dispatch loop, which is what actually invokes the callback. This keeps
// the callback single-threaded per connection, matching spec.md's
// concurrency model, while tolerating net.Conn's blocking-only Read.
// This is a generalization of the teacher's one-goroutine-per-connection
// net.Listener accept loop (smtp.Server.Serve) from "read until CRLF,
// handle, repeat" into "signal readiness, let the dispatch loop decide
// what to do with it".
type Reactor struct {
	mu      sync.Mutex
	next    Token
	entries map[Token]*entry
	ready   chan Token
	onReady func(Token, Interest)
}

type entry struct {
	conn     net.Conn
	reg      Registration
	closed   chan struct{}
	closedMu sync.Mutex
	didClose bool
}

// NewReactor creates a Reactor. onReady is invoked from the single
// dispatch goroutine (started by Run) whenever a registered resource
// becomes ready per its current Registration.
func NewReactor(onReady func(tok Token, interest Interest)) *Reactor {
	return &Reactor{
		entries: make(map[Token]*entry),
		ready:   make(chan Token, 64),
		onReady: onReady,
	}
}

// Run drains readiness pulses and invokes onReady until stop is closed.
func (r *Reactor) Run(stop <-chan struct{}) {
	for {
		select {
		case tok := <-r.ready:
			r.mu.Lock()
			e, ok := r.entries[tok]
			var reg Registration
			if ok {
				reg = e.reg
			}
			r.mu.Unlock()
			if !ok {
				continue
			}
			r.onReady(tok, reg.Interest)
		case <-stop:
			return
		}
	}
}

// Register starts watching resource (a net.Conn) per reg.
func (r *Reactor) Register(resource any, reg Registration) (Token, error) {
	conn, ok := resource.(net.Conn)
	if !ok {
		return 0, errors.New("loop: Reactor.Register requires a net.Conn")
	}

	r.mu.Lock()
	r.next++
	tok := r.next
	e := &entry{conn: conn, reg: reg, closed: make(chan struct{})}
	r.entries[tok] = e
	r.mu.Unlock()

	if reg.Interest == Readable {
		go r.watchReadable(tok, e)
	}
	return tok, nil
}

// Reregister updates a resource's Registration. Writable interest is
// satisfied immediately (the dispatch loop will try the write and get
// WouldBlock if the socket isn't actually ready, then the caller
// re-arms); Readable interest (re)starts a watcher goroutine.
func (r *Reactor) Reregister(tok Token, reg Registration) error {
	r.mu.Lock()
	e, ok := r.entries[tok]
	if ok {
		e.reg = reg
	}
	r.mu.Unlock()
	if !ok {
		return errors.New("loop: unknown token")
	}

	switch reg.Interest {
	case Readable:
		go r.watchReadable(tok, e)
	case Writable:
		r.pulse(tok)
	}
	return nil
}

// Deregister stops watching a resource.
func (r *Reactor) Deregister(tok Token) error {
	r.mu.Lock()
	e, ok := r.entries[tok]
	delete(r.entries, tok)
	r.mu.Unlock()
	if !ok {
		return errors.New("loop: unknown token")
	}
	e.closedMu.Lock()
	if !e.didClose {
		close(e.closed)
		e.didClose = true
	}
	e.closedMu.Unlock()
	return nil
}

// Notifier returns a wakeup handle for tok.
func (r *Reactor) Notifier(tok Token) Notifier {
	return &reactorNotifier{r: r, tok: tok}
}

func (r *Reactor) pulse(tok Token) {
	select {
	case r.ready <- tok:
	default:
		// Dispatch loop is behind. Hand the pulse to a goroutine rather
		// than blocking here (the dispatch goroutine itself calls pulse
		// via Reregister) so the wakeup is delivered once it catches up
		// instead of being dropped.
		go func() { r.ready <- tok }()
	}
}

// watchReadable blocks on a one-byte Read solely to detect when data
// (or EOF/error) becomes available, stashes any byte it consumed in the
// pushback buffer, then pulses the dispatch loop once and exits. If the
// connection was deregistered while it was blocked, it exits without
// pulsing.
func (r *Reactor) watchReadable(tok Token, e *entry) {
	one := make([]byte, 1)
	n, err := peekByte(e.conn, one)
	select {
	case <-e.closed:
		return
	default:
	}
	if n > 0 {
		// We consumed one byte doing the readiness probe; stash it so
		// smtp.Stream.TryRead's first call observes it. Connections
		// embedding this module over a real epoll loop don't have this
		// caveat since the kernel itself reports readiness without
		// consuming bytes; the reference Reactor trades a one-byte
		// buffer for portability.
		pushbackMu.Lock()
		pushback[e.conn] = append(pushback[e.conn], one[0])
		pushbackMu.Unlock()
	}
	_ = err
	r.pulse(tok)
}

// peekByte performs a best-effort single-byte Read used only to detect
// readiness; see watchReadable's comment on the pushback buffer this
// necessitates.
func peekByte(conn net.Conn, buf []byte) (int, error) {
	return conn.Read(buf)
}

var (
	pushbackMu sync.Mutex
	pushback   = map[net.Conn][]byte{}
)

// TakePushback returns and clears any byte the Reactor consumed from
// conn while probing for readability. smtp.Stream implementations that
// sit on top of a Reactor-registered net.Conn must prepend this to the
// next real Read.
func TakePushback(conn net.Conn) []byte {
	pushbackMu.Lock()
	defer pushbackMu.Unlock()
	b := pushback[conn]
	delete(pushback, conn)
	return b
}

type reactorNotifier struct {
	r   *Reactor
	tok Token
}

func (n *reactorNotifier) Trigger() {
	n.r.pulse(n.tok)
}
