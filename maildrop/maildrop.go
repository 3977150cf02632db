// Package maildrop is an example smtp.DataSink that commits an accepted
// mail transaction to a Maildir-format mailbox using go-maildir.
package maildrop

import (
	"bytes"
	"fmt"

	"github.com/sloonz/go-maildir"

	"github.com/cloudgate/smtpd/smtp"
)

// Store opens (and lazily creates) one Maildir per recipient domain+local
// pair beneath a root directory, mirroring the teacher's UserDB notion of
// "one thing per known user" but for delivered mail instead of
// credentials.
type Store struct {
	root string
}

// NewStore returns a Store rooted at root. Each recipient gets its own
// Maildir subdirectory, created on first delivery.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Sink returns a DataSink that delivers to every one of txn's recipients.
func (s *Store) Sink(recipients []smtp.MailAddress) *Sink {
	return &Sink{store: s, recipients: recipients}
}

// Sink accumulates one mail transaction's body and commits it to every
// recipient's Maildir on Complete.
type Sink struct {
	store      *Store
	recipients []smtp.MailAddress
	buf        bytes.Buffer
}

// Chunk appends one piece of the message body.
func (k *Sink) Chunk(b []byte) {
	k.buf.Write(b)
}

// Complete delivers the accumulated body to every recipient's Maildir, or
// discards it without an error reply if sizeExceeded is set (the core has
// already decided to reply 552; delivering a message it just rejected
// would leave the mailbox inconsistent with the reply the sender saw).
func (k *Sink) Complete(reply *smtp.ReplyWriter, sizeExceeded bool) smtp.Hesitant[*smtp.Session] {
	if sizeExceeded {
		return smtp.Final[*smtp.Session](nil)
	}

	for _, rcpt := range k.recipients {
		if err := k.store.deliver(rcpt, k.buf.Bytes()); err != nil {
			reply.Reply(450, "4.2.0", fmt.Sprintf("Could not deliver to %s.", rcpt.String()))
			return smtp.Final[*smtp.Session](nil)
		}
	}
	return smtp.Final[*smtp.Session](nil)
}

func (s *Store) deliver(rcpt smtp.MailAddress, body []byte) error {
	dir := s.root + "/" + rcpt.Domain + "/" + rcpt.Local
	md, err := maildir.New(dir, true)
	if err != nil {
		return fmt.Errorf("maildrop: open %s: %w", dir, err)
	}

	w, err := md.NewMail()
	if err != nil {
		return fmt.Errorf("maildrop: new message in %s: %w", dir, err)
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return fmt.Errorf("maildrop: write message in %s: %w", dir, err)
	}
	return w.Close()
}
