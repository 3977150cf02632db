package smtp

import (
	"crypto/tls"

	"github.com/sirupsen/logrus"
)

// Config holds the immutable, listener-owned settings every connection's
// SessionMachine shares by reference: spec.md §6's listening address,
// hostname, systemname, message_size_limit and TLS context, plus the
// logger each connection logs through with a remote_addr field added.
type Config struct {
	// ListenAddr is the address the embedder's listener binds, carried
	// here purely for logging/identification; the core never opens a
	// socket itself.
	ListenAddr string

	// Hostname is announced in the greeting and as the first EHLO line.
	Hostname string

	// SystemName appears in the 220 greeting banner, mirroring the
	// teacher's "<hostname> GoPistolet ESMTP" text generalized to a
	// configurable product name instead of a literal.
	SystemName string

	// MessageSizeLimit is the SIZE extension's advertised limit and the
	// DATA-phase enforcement threshold (spec.md §6/§7).
	MessageSizeLimit int64

	// TLSConfig is used for the server side of STARTTLS. Nil disables
	// STARTTLS (it is simply not advertised and refused with 502).
	TLSConfig *tls.Config

	// Logger receives structured log entries; defaults to
	// logrus.StandardLogger() when nil.
	Logger logrus.FieldLogger
}

func (c *Config) logger() logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}
