package smtp

import (
	"errors"
	"strings"

	"golang.org/x/net/idna"
)

// MailAddress is a parsed SMTP reverse-path or forward-path mailbox, as
// carried by MAIL FROM and RCPT TO.
type MailAddress struct {
	Local  string
	Domain string
}

// String renders the address the way it appears on the wire, inside
// angle brackets.
func (m *MailAddress) String() string {
	if m == nil || (m.Local == "" && m.Domain == "") {
		return "<>"
	}
	return "<" + m.Local + "@" + m.Domain + ">"
}

// ParsePath parses the <local@domain> (or bare local@domain, or the
// empty null path "<>" used as MAIL FROM on bounce messages) syntax SMTP
// uses for reverse- and forward-paths. Unlike net/mail.ParseAddress this
// doesn't accept RFC 5322 display names or header-style folding; it is
// the narrower SMTP path grammar.
func ParsePath(raw string) (*MailAddress, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "<") {
		end := strings.LastIndex(s, ">")
		if end < 0 {
			return nil, errors.New("smtp: unterminated path")
		}
		s = s[1:end]
	}
	if s == "" {
		return &MailAddress{}, nil
	}
	at := strings.LastIndex(s, "@")
	if at < 0 {
		return nil, errors.New("smtp: missing '@' in path")
	}
	local, domain := s[:at], s[at+1:]
	if local == "" || domain == "" {
		return nil, errors.New("smtp: empty local-part or domain")
	}
	m := &MailAddress{Local: local, Domain: domain}
	if valid, msg := m.Validate(); !valid {
		return nil, errors.New("smtp: " + msg)
	}
	return m, nil
}

// Validate enforces the RFC 5321 4.5.3.1 length limits.
func (m *MailAddress) Validate() (bool, string) {
	if len(m.Local) > 64 {
		return false, "local-part too long"
	}
	if len(m.Domain) > 253 {
		return false, "domain too long"
	}
	if len(m.Local)+len(m.Domain) > 254 {
		return false, "path too long"
	}
	return true, ""
}

// NormalizeUTF8Domain applies IDNA normalization to the domain part of an
// SMTPUTF8 mailbox, as RFC 6531 expects for comparison and logging even
// though the wire form keeps the U-labels. It is a no-op, returning the
// input unchanged, for domains idna can't profile (e.g. address
// literals).
func NormalizeUTF8Domain(domain string) string {
	normalized, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return domain
	}
	return normalized
}
