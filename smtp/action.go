package smtp

// Action is the directive SessionMachine hands back to ConnectionDriver
// after each input. The driver translates it into socket interest.
type Action int

const (
	// ActionRead means watch the socket for readability.
	ActionRead Action = iota
	// ActionWait means watch for nothing; a Defer's notifier will fire
	// wakeup later.
	ActionWait
	// ActionWrite means drain SendBuffer, then return to ActionRead.
	ActionWrite
	// ActionCollect means: if RecvBuffer is nonempty, go straight back to
	// parsing without writing first; otherwise behave like ActionWrite.
	// SessionMachine never returns it: pump batches pipelined replies
	// itself and returns ActionWrite once they are all queued.
	ActionCollect
	// ActionStartTLS means drain writes, clear both buffers, and begin a
	// server-side TLS handshake.
	ActionStartTLS
	// ActionClose means drain writes, then remove the connection from
	// the event loop.
	ActionClose
)

func (a Action) String() string {
	switch a {
	case ActionRead:
		return "Read"
	case ActionWait:
		return "Wait"
	case ActionWrite:
		return "Write"
	case ActionCollect:
		return "Collect"
	case ActionStartTLS:
		return "StartTLS"
	case ActionClose:
		return "Close"
	default:
		return "Unknown"
	}
}
