package smtp

import (
	"crypto/x509"

	"github.com/cloudgate/smtpd/loop"
)

// Level is the coarse state of a session, following the teacher's
// per-command sequencing checks (handleRCPT/handleDATA's "need MAIL
// first" guards) generalized into an explicit state a SessionMachine can
// switch on instead of re-deriving from nil checks scattered across
// handlers.
type Level int

const (
	LevelEarly Level = iota
	LevelGreeted
	LevelInMail
	LevelInData
	LevelDead
	// levelWait is an internal marker meaning a Defer is in flight; it is
	// never the value callers see on a resolved Session, only read by
	// the machine's own dispatch loop between settle() and the next
	// check.
	levelWait
)

func (l Level) String() string {
	switch l {
	case LevelEarly:
		return "early"
	case LevelGreeted:
		return "greeted"
	case LevelInMail:
		return "in-mail"
	case LevelInData:
		return "in-data"
	case LevelDead:
		return "dead"
	default:
		return "wait"
	}
}

// SecurityFlag is the session's view of the transport's TLS state,
// mirroring Stream's own securityState so handlers can inspect it
// without reaching into the transport.
type SecurityFlag int

const (
	SecurityClear SecurityFlag = iota
	SecurityHandshaking
	SecuritySecure
)

// Session is the per-connection state spec.md §3 describes. App is an
// opaque slot the handler may use for its own per-connection state; the
// core never inspects it.
type Session struct {
	Level       Level
	Security    SecurityFlag
	HelloDomain string
	Extended    bool
	App         any
}

// MailTxn is a mail transaction: created by MAIL, extended by RCPT,
// consumed by DATA.
type MailTxn struct {
	From       *MailAddress
	Params     MailParams
	Recipients []MailAddress
	App        any
}

// SessionMachine is the protocol state machine proper: it owns a
// Session, interprets parsed commands against it, drives Handler
// callbacks, and emits the next Action for ConnectionDriver.
type SessionMachine struct {
	cfg     *Config
	handler Handler

	session *Session
	txn     *MailTxn
	sink    DataSink

	level Level

	recv *RecvBuffer
	send *SendBuffer

	pendingWakeup func()

	// DATA-phase bookkeeping.
	dataLineBuf  []byte
	dataSize     int64
	dataOverSize bool
	wantStartTLS bool
}

// NewSessionMachine constructs a machine bound to cfg and handler. One
// machine is created per connection.
func NewSessionMachine(cfg *Config, handler Handler) *SessionMachine {
	return &SessionMachine{cfg: cfg, handler: handler, level: LevelEarly}
}

// Session returns the current Session, or nil before Start resolves.
func (m *SessionMachine) Session() *Session { return m.session }

// settle resolves a Hesitant value, running onFinal synchronously if it
// is already Final, or stashing a resumption closure (driven later by
// Wakeup) if it is a Defer. Recursive: if Wakeup itself yields another
// Defer, settle is called again against it.
func settle[F any](m *SessionMachine, h Hesitant[F], onFinal func(F)) {
	if v, ok := h.Get(); ok {
		onFinal(v)
		return
	}
	d := h.Defer()
	m.level = levelWait
	if m.session != nil {
		m.session.Level = levelWait
	}
	m.pendingWakeup = func() {
		settle(m, d.Wakeup(), onFinal)
	}
}

// Start runs the handler's start hook for a new connection. send is
// where the greeting (or refusal) is written; spec.md's start(seed,
// notifier) -> (Session, Action) is widened with an explicit SendBuffer
// parameter here since Go has no equivalent to a connection-scoped
// buffer implicitly threaded through every call (see DESIGN.md).
func (m *SessionMachine) Start(seed StartSeed, notifier loop.Notifier, send *SendBuffer) (*Session, Action) {
	m.send = send
	reply := NewReplyWriter(send)

	var action Action
	settle(m, m.handler.Start(seed, notifier), func(s *Session) {
		if s == nil {
			reply.Reply(554, "5.5.0", "Connection refused.")
			m.level = LevelDead
			action = ActionClose
			return
		}
		s.Level = LevelEarly
		m.session = s
		m.level = LevelEarly
		reply.Reply(220, "", m.cfg.Hostname+" ESMTP "+m.cfg.SystemName)
		action = ActionWrite
	})

	if m.level == levelWait {
		return nil, ActionWait
	}
	return m.session, action
}

// Receive advances the session by parsing as many commands as possible
// out of recv, batching their replies into send.
func (m *SessionMachine) Receive(recv *RecvBuffer, send *SendBuffer) Action {
	m.recv, m.send = recv, send
	return m.pump()
}

// Wakeup resumes a pending Defer once its notifier has fired.
func (m *SessionMachine) Wakeup(send *SendBuffer) Action {
	m.send = send
	if m.pendingWakeup == nil {
		return ActionRead
	}
	pw := m.pendingWakeup
	m.pendingWakeup = nil
	pw()

	if m.level == levelWait {
		return ActionWait
	}
	if m.level == LevelDead {
		return ActionClose
	}
	if m.wantStartTLS {
		m.wantStartTLS = false
		return ActionStartTLS
	}
	if m.recv == nil {
		if !send.IsEmpty() {
			return ActionWrite
		}
		return ActionRead
	}
	return m.pump()
}

// ConfirmTLS is invoked once a STARTTLS handshake has completed.
func (m *SessionMachine) ConfirmTLS(peerCert *x509.Certificate) Action {
	m.session.Security = SecuritySecure
	reply := NewReplyWriter(m.send)

	var action Action
	settle(m, m.handler.CheckTLS(m.session, peerCert), func(s *Session) {
		if s == nil {
			reply.Reply(554, "5.7.1", "TLS verification failed.")
			m.level = LevelDead
			action = ActionClose
			return
		}
		m.session = s
		action = ActionRead
	})
	if m.level == levelWait {
		return ActionWait
	}
	return action
}

// pump is the shared parse loop used by Receive and (after a resume)
// Wakeup: it consumes complete lines from m.recv until none remain, a
// terminal command is hit, or a decision defers.
func (m *SessionMachine) pump() Action {
	for {
		if m.level == levelWait {
			return ActionWait
		}
		if m.level == LevelDead {
			return ActionClose
		}
		if m.level == LevelInData {
			return m.pumpData()
		}

		line, ok := m.recv.FindLine()
		if !ok {
			break
		}
		m.recv.Advance(len(line) + 2)

		reply := NewReplyWriter(m.send)
		pipelineable := m.dispatch(line, reply)

		if m.level == levelWait {
			return ActionWait
		}
		if m.level == LevelDead {
			return ActionClose
		}
		if m.wantStartTLS {
			m.wantStartTLS = false
			return ActionStartTLS
		}
		if m.level == LevelInData {
			return m.pumpData()
		}
		if !pipelineable {
			break
		}
	}

	if !m.send.IsEmpty() {
		return ActionWrite
	}
	return ActionRead
}

// pipelineable reports whether kind is one of the commands spec.md §4.4
// allows the machine to batch replies for instead of flushing immediately.
func pipelineable(kind CommandKind) bool {
	switch kind {
	case CmdMail, CmdRcpt, CmdRset:
		return true
	default:
		return false
	}
}

// dispatch parses and handles a single command line, writing its reply
// (or deferring) and returning whether the reply may be batched with a
// following pipelined command.
func (m *SessionMachine) dispatch(line []byte, reply *ReplyWriter) bool {
	cmd := ParseCommand(line)

	switch cmd.Kind {
	case CmdUnrecognized:
		reply.Reply(500, "5.5.2", "Command unrecognized.")
		return false
	case CmdParamError:
		reply.Reply(501, "5.5.4", "Syntax error in parameters.")
		return false
	case CmdHelo:
		m.handleHello(cmd, false, reply)
		return false
	case CmdEhlo:
		m.handleHello(cmd, true, reply)
		return false
	case CmdMail:
		return m.handleMail(cmd, reply)
	case CmdRcpt:
		return m.handleRcpt(cmd, reply)
	case CmdData:
		m.handleData(reply)
		return false
	case CmdRset:
		m.handleRset(reply)
		return true
	case CmdNoop:
		reply.Reply(250, "2.0.0", "Ok")
		return false
	case CmdQuit:
		reply.Reply(221, "2.0.0", "Bye")
		m.level = LevelDead
		return false
	case CmdStartTLS:
		m.handleStartTLS(reply)
		return false
	case CmdVrfy:
		m.handleAncillary(cmd.Word, reply, m.handler.Verify)
		return false
	case CmdExpn:
		m.handleAncillary(cmd.Word, reply, m.handler.Expand)
		return false
	case CmdHelp:
		m.handleAncillary(cmd.Word, reply, m.handler.Help)
		return false
	case CmdAuth:
		reply.Reply(500, "5.5.1", "AUTH is not implemented.")
		return false
	case CmdBdat:
		reply.Reply(503, "5.5.1", "BDAT is not supported on this server.")
		return false
	default:
		reply.Reply(500, "5.5.2", "Command unrecognized.")
		return false
	}
}

func (m *SessionMachine) requireLevel(reply *ReplyWriter, want Level, early, notGreeted string) bool {
	if m.level == want {
		return true
	}
	if m.level == LevelEarly {
		reply.Reply(503, "5.5.1", early)
	} else {
		reply.Reply(503, "5.5.1", notGreeted)
	}
	return false
}

func (m *SessionMachine) handleHello(cmd *Command, extended bool, reply *ReplyWriter) {
	domain := cmd.Domain
	settle(m, m.handler.Hello(m.session, domain, extended, reply), func(s *Session) {
		if s == nil {
			reply.Reply(554, "5.5.0", "Connection refused.")
			m.level = LevelDead
			return
		}
		s.HelloDomain = domain
		s.Extended = extended
		s.Level = LevelGreeted
		m.session = s
		m.txn = nil
		m.level = LevelGreeted
		if extended {
			m.writeEhloLines(reply)
		} else {
			reply.Reply(250, "", m.cfg.Hostname)
		}
	})
}

func (m *SessionMachine) writeEhloLines(reply *ReplyWriter) {
	a := reply.Start(250, "")
	a.Write([]byte(m.cfg.Hostname))
	a.Write([]byte("\nEXPN"))
	a.Write([]byte("\nHELP"))
	a.Write([]byte("\n8BITMIME"))
	writeDecimal(a, "\nSIZE ", m.cfg.MessageSizeLimit)
	a.Write([]byte("\nPIPELINING"))
	a.Write([]byte("\nDSN"))
	a.Write([]byte("\nETRN"))
	a.Write([]byte("\nENHANCEDSTATUSCODES"))
	a.Write([]byte("\nSMTPUTF8"))
	if m.session.Security != SecuritySecure && m.cfg.TLSConfig != nil {
		a.Write([]byte("\nSTARTTLS"))
	}
	a.Finish()
}

func writeDecimal(a *replyAccumulator, prefix string, n int64) {
	a.Write([]byte(prefix))
	if n == 0 {
		a.Write([]byte("0"))
		return
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	a.Write(buf[i:])
}

func (m *SessionMachine) handleMail(cmd *Command, reply *ReplyWriter) bool {
	if m.level == LevelEarly {
		reply.Reply(503, "5.5.1", "Please say 'Hello' first.")
		return false
	}
	if m.level != LevelGreeted {
		reply.Reply(503, "5.5.1", "Sender already specified.")
		return false
	}

	pipelined := false
	settle(m, m.handler.Mail(m.session, cmd.Path, cmd.MailParams, reply), func(o MailOutcome) {
		switch {
		case o.Txn != nil:
			m.txn = o.Txn
			m.level = LevelInMail
			if m.session != nil {
				m.session.Level = LevelInMail
			}
			if reply.wroteNothing() {
				reply.Reply(250, "2.1.0", "Ok")
			}
			pipelined = true
		case o.Reject != nil:
			m.session = o.Reject
			m.session.Level = LevelGreeted
			m.level = LevelGreeted
			if reply.wroteNothing() {
				reply.Reply(550, "5.7.1", "Sender rejected.")
			}
			pipelined = true
		default:
			if reply.wroteNothing() {
				reply.Reply(550, "5.7.1", "Sender rejected.")
			}
			pipelined = true
		}
	})
	return pipelined
}

func (m *SessionMachine) handleRcpt(cmd *Command, reply *ReplyWriter) bool {
	if m.level == LevelEarly {
		reply.Reply(503, "5.5.1", "Please say 'Hello' first.")
		return false
	}
	if m.level != LevelInMail {
		reply.Reply(503, "5.5.1", "Need MAIL command first.")
		return false
	}

	pipelined := false
	settle(m, m.handler.Recipient(m.session, m.txn, cmd.Path, cmd.RcptParams, reply), func(o MailOutcome) {
		switch {
		case o.Txn != nil:
			m.txn = o.Txn
			if reply.wroteNothing() {
				reply.Reply(250, "2.1.0", "Ok")
			}
		case o.Reject != nil:
			m.session = o.Reject
			if reply.wroteNothing() {
				reply.Reply(550, "5.1.1", "Recipient rejected.")
			}
		default:
			if reply.wroteNothing() {
				reply.Reply(550, "5.1.1", "Recipient rejected.")
			}
		}
		pipelined = true
	})
	return pipelined
}

func (m *SessionMachine) handleData(reply *ReplyWriter) {
	if m.level == LevelEarly {
		reply.Reply(503, "5.5.1", "Please say 'Hello' first.")
		return
	}
	if m.level != LevelInMail {
		reply.Reply(503, "5.5.1", "Need MAIL command first.")
		return
	}
	if len(m.txn.Recipients) == 0 {
		reply.Reply(503, "5.5.1", "Need RCPT command first.")
		return
	}

	settle(m, m.handler.Data(m.session, m.txn), func(o DataOutcome) {
		if o.Sink != nil {
			m.sink = o.Sink
			m.level = LevelInData
			if m.session != nil {
				m.session.Level = LevelInData
			}
			m.dataSize = 0
			m.dataOverSize = false
			m.dataLineBuf = m.dataLineBuf[:0]
			if reply.wroteNothing() {
				reply.Reply(354, "", "Go ahead.")
			}
			return
		}
		if o.Reject != nil {
			m.session = o.Reject
		}
		m.level = LevelGreeted
		if m.session != nil {
			m.session.Level = LevelGreeted
		}
		if reply.wroteNothing() {
			reply.Reply(554, "5.5.1", "Transaction failed.")
		}
	})
}

func (m *SessionMachine) handleRset(reply *ReplyWriter) {
	m.txn = nil
	m.sink = nil
	if m.level != LevelEarly {
		m.level = LevelGreeted
	}
	m.session = m.handler.Reset(m.session)
	if m.session != nil {
		m.session.Level = m.level
	}
	reply.Reply(250, "2.0.0", "Ok")
}

func (m *SessionMachine) handleStartTLS(reply *ReplyWriter) {
	if m.session.Security == SecuritySecure {
		reply.Reply(500, "5.5.1", "Already secure.")
		return
	}
	if m.cfg.TLSConfig == nil {
		reply.Reply(502, "5.5.1", "TLS not supported.")
		return
	}
	m.session.Security = SecurityHandshaking
	m.level = LevelGreeted
	m.txn = nil
	reply.Reply(220, "2.7.0", "Ready to start TLS")
	m.wantStartTLS = true
}

func (m *SessionMachine) handleAncillary(word string, reply *ReplyWriter, call func(*Session, string, *ReplyWriter) Hesitant[*Session]) {
	settle(m, call(m.session, word, reply), func(s *Session) {
		if s != nil {
			m.session = s
		}
		if reply.wroteNothing() {
			reply.Reply(502, "5.5.1", "Command not implemented.")
		}
	})
}

// pumpData scans recv for the DATA terminator and forwards body content
// (dot-unstuffed) to the current DataSink.
func (m *SessionMachine) pumpData() Action {
	for {
		if off, ok := m.recv.FindTerminator(); ok {
			bodyEnd := off + 2 // include the CRLF that ends the last line
			if bodyEnd > 0 {
				m.forwardData(m.recv.Slice()[:bodyEnd])
			}
			m.recv.Advance(off + 5) // "\r\n.\r\n"
			return m.completeData()
		}

		n := m.recv.SafeForwardLen()
		if n == 0 {
			break
		}
		m.forwardData(m.recv.Slice()[:n])
		m.recv.Advance(n)
	}

	if !m.send.IsEmpty() {
		return ActionWrite
	}
	return ActionRead
}

// forwardData dot-unstuffs complete lines out of buf (prefixed with any
// carry from a previous call) and hands them to the sink, retaining an
// incomplete trailing line for next time.
func (m *SessionMachine) forwardData(buf []byte) {
	m.dataLineBuf = append(m.dataLineBuf, buf...)

	start := 0
	for i := 0; i+1 < len(m.dataLineBuf); i++ {
		if m.dataLineBuf[i] != '\r' || m.dataLineBuf[i+1] != '\n' {
			continue
		}
		line := m.dataLineBuf[start : i+2]
		m.emitLine(line)
		start = i + 2
	}
	m.dataLineBuf = append(m.dataLineBuf[:0], m.dataLineBuf[start:]...)
}

func (m *SessionMachine) emitLine(line []byte) {
	if len(line) >= 1 && line[0] == '.' {
		line = line[1:]
	}
	m.dataSize += int64(len(line))
	if m.cfg.MessageSizeLimit > 0 && m.dataSize > m.cfg.MessageSizeLimit {
		m.dataOverSize = true
	}
	if m.sink != nil {
		m.sink.Chunk(line)
	}
}

func (m *SessionMachine) completeData() Action {
	if len(m.dataLineBuf) > 0 {
		m.emitLine(m.dataLineBuf)
		m.dataLineBuf = m.dataLineBuf[:0]
	}

	reply := NewReplyWriter(m.send)
	sink := m.sink
	overSize := m.dataOverSize
	m.sink = nil
	m.txn = nil
	m.level = LevelGreeted
	if m.session != nil {
		m.session.Level = LevelGreeted
	}

	if sink == nil {
		reply.Reply(554, "5.5.1", "Transaction failed.")
		return m.afterDataReply()
	}

	settle(m, sink.Complete(reply, overSize), func(s *Session) {
		if s != nil {
			m.session = s
			m.session.Level = LevelGreeted
		}
		if overSize {
			if reply.wroteNothing() {
				reply.Reply(552, "5.3.4", "Message size exceeds fixed limit.")
			}
			return
		}
		if reply.wroteNothing() {
			reply.Reply(250, "2.1.0", "Ok")
		}
	})

	return m.afterDataReply()
}

func (m *SessionMachine) afterDataReply() Action {
	if m.level == levelWait {
		return ActionWait
	}
	if !m.send.IsEmpty() {
		return ActionWrite
	}
	return ActionRead
}
