// Package loop defines the ABI a per-connection session needs from an
// external nonblocking event loop. The loop runtime itself is a
// collaborator: this package only names the shapes smtp.ConnectionDriver
// depends on; Reactor (reactor.go) is a reference implementation good
// enough to run the package's own tests and the example cmd/smtpd, not a
// production poller.
package loop

// Interest is the socket readiness a registration cares about.
type Interest int

const (
	None Interest = iota
	Readable
	Writable
)

func (i Interest) String() string {
	switch i {
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	default:
		return "none"
	}
}

// Mode selects edge- or level-triggered delivery for a registration.
type Mode int

const (
	LevelTriggered Mode = iota
	EdgeTriggered
)

// Registration describes how a connection wants to be watched.
type Registration struct {
	Interest Interest
	Mode     Mode
	OneShot  bool
}

// Token identifies a connection's registration with a Registrar.
type Token uint64

// Notifier is the handle a Defer computation uses to ask the loop to
// deliver a wakeup to the connection that created it. Trigger is safe to
// call from any goroutine, including one the embedding handler spawned
// to run a blocking lookup.
type Notifier interface {
	Trigger()
}

// Registrar is the loop-facing half of the event-loop ABI: the set of
// calls a ConnectionDriver uses to declare what readiness it wants to
// hear about next. resource is whatever handle the concrete loop
// implementation needs to watch (a raw fd for an epoll-backed loop, a
// net.Conn for the reference Reactor in this package).
type Registrar interface {
	Register(resource any, reg Registration) (Token, error)
	Reregister(tok Token, reg Registration) error
	Deregister(tok Token) error
	// Notifier returns the wakeup handle for a registered connection, to
	// be handed to the handler's start() call.
	Notifier(tok Token) Notifier
}
