package smtp

import (
	"crypto/x509"
	"net"

	"github.com/cloudgate/smtpd/loop"
)

// Defer is the shape a handler returns from any capability it can't
// settle synchronously: the core stashes it and calls Wakeup once the
// notifier it was given fires, as though the original call had returned
// Final all along.
type Defer[F any] interface {
	Wakeup() Hesitant[F]
}

// Hesitant is the sum type every handler capability returns: either a
// Final value, ready now, or a Defer computation still in flight.
type Hesitant[F any] struct {
	final    F
	isFinal  bool
	deferred Defer[F]
}

// Final wraps a value that's ready immediately.
func Final[F any](v F) Hesitant[F] {
	return Hesitant[F]{final: v, isFinal: true}
}

// Deferring wraps an in-flight computation.
func Deferring[F any](d Defer[F]) Hesitant[F] {
	return Hesitant[F]{deferred: d}
}

// Get returns the Final value and true, or the zero value and false if
// this Hesitant is still a Defer.
func (h Hesitant[F]) Get() (F, bool) {
	return h.final, h.isFinal
}

// Defer returns the pending Defer computation, or nil if this Hesitant
// is already Final.
func (h Hesitant[F]) Defer() Defer[F] {
	return h.deferred
}

// StartSeed carries the information available before any command has
// been read: the raw network identity of the connection. Handlers use it
// to seed per-connection application state (rate limiting, reverse DNS,
// deny lists) inside start.
type StartSeed struct {
	RemoteAddr net.Addr
	LocalAddr  net.Addr
}

// MailOutcome is the result of accepting or rejecting a MAIL/RCPT
// command: exactly one of Txn (success, continue/extend the
// transaction) or Reject (failure) is set. A rejected MAIL rolls back to
// Greeted; a rejected RCPT leaves the transaction and its already
// accepted recipients in place.
type MailOutcome struct {
	Txn    *MailTxn
	Reject *Session
}

// DataOutcome is the result of a DATA command: exactly one of Sink
// (accepted, proceed to InData) or Reject (failure) is set.
type DataOutcome struct {
	Sink   DataSink
	Reject *Session
}

// DataSink receives the body of an accepted mail transaction. chunk is
// infallible for the core (back-pressure is out of scope, spec.md §9);
// complete finalizes the transaction and returns the Session to resume
// at Greeted.
type DataSink interface {
	Chunk(b []byte)
	// Complete finalizes the transaction. sizeExceeded is true when the
	// core stopped counting the transaction as acceptable because
	// message_size_limit was crossed mid-DATA; the sink still received
	// every byte (spec.md §7, Resource) but should discard rather than
	// commit, and the core will reply 552 regardless of what Complete
	// returns.
	Complete(reply *ReplyWriter, sizeExceeded bool) Hesitant[*Session]
}

// Handler is the full application-supplied capability surface the core
// invokes as a connection's protocol advances. It mirrors the teacher's
// single capability interface (smtp.smtper) generalized from a
// policy-only MTA/MSA switch to every deferrable decision point spec.md
// names: session lifecycle, mail-transaction lifecycle, and the
// always-available ancillary verbs.
//
// Every capability that can write into the supplied ReplyWriter and does
// so is treated by the core as having already produced the user-visible
// reply; the core only synthesizes a generic reply (acceptance or
// rejection) when the capability returns with nothing written.
type Handler interface {
	// Start seeds a new connection. Final(nil) refuses the connection
	// outright (554, close); Final(non-nil) accepts it (220 greeting).
	Start(seed StartSeed, notifier loop.Notifier) Hesitant[*Session]

	// Hello handles HELO/EHLO. Final(nil) rejects the connection. extended
	// is true for EHLO.
	Hello(s *Session, domain string, extended bool, reply *ReplyWriter) Hesitant[*Session]

	// CheckTLS runs once a STARTTLS handshake has completed.
	CheckTLS(s *Session, peerCert *x509.Certificate) Hesitant[*Session]

	// Mail handles MAIL FROM. Ok starts a MailTxn; Reject rolls back to
	// Greeted.
	Mail(s *Session, path *MailAddress, params MailParams, reply *ReplyWriter) Hesitant[MailOutcome]

	// Recipient handles RCPT TO against an existing MailTxn.
	Recipient(s *Session, txn *MailTxn, path *MailAddress, params RcptParams, reply *ReplyWriter) Hesitant[MailOutcome]

	// Data handles DATA once at least one recipient has been accepted.
	Data(s *Session, txn *MailTxn) Hesitant[DataOutcome]

	// Reset handles RSET. It is synchronous: RSET is a local control
	// command with no reason to defer.
	Reset(s *Session) *Session

	// Verify, Expand and Help implement VRFY, EXPN and HELP. They never
	// change session level (Hesitant[*Session] here always yields back
	// the same session, possibly with application state updated).
	Verify(s *Session, word string, reply *ReplyWriter) Hesitant[*Session]
	Expand(s *Session, word string, reply *ReplyWriter) Hesitant[*Session]
	Help(s *Session, word string, reply *ReplyWriter) Hesitant[*Session]
}
