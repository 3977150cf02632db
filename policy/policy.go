// Package policy wraps SPF verification behind a narrow Checker
// interface so a Handler's Mail implementation can consult it without
// depending on gospf's result types directly.
package policy

import (
	"fmt"
	"net"

	"github.com/gopistolet/gospf"
)

// Result is the outcome of an SPF check, collapsing gospf's more
// detailed result set down to the three dispositions a MAIL FROM policy
// decision actually needs to act on.
type Result int

const (
	// ResultNeutral covers SPF "neutral", "softfail" and any condition
	// the checker can't evaluate (no policy published, DNS failure):
	// handlers that want strict enforcement should still treat this as
	// "maybe", not "pass".
	ResultNeutral Result = iota
	ResultPass
	ResultFail
)

func (r Result) String() string {
	switch r {
	case ResultPass:
		return "pass"
	case ResultFail:
		return "fail"
	default:
		return "neutral"
	}
}

// Checker evaluates whether a remote IP is authorized to send mail for a
// given envelope-from domain.
type Checker interface {
	Check(remoteIP net.IP, heloDomain, mailFromDomain string) (Result, error)
}

// SPFChecker is the gospf-backed Checker this package ships. Isolating
// gospf behind Checker keeps the blast radius of any mismatch between
// this module's assumptions and gospf's actual API limited to this one
// file (see DESIGN.md).
type SPFChecker struct{}

// NewSPFChecker returns a Checker backed by gospf.
func NewSPFChecker() *SPFChecker {
	return &SPFChecker{}
}

// Check resolves and evaluates the SPF policy published for
// mailFromDomain (falling back to heloDomain when MAIL FROM is the null
// reverse-path) against remoteIP.
func (c *SPFChecker) Check(remoteIP net.IP, heloDomain, mailFromDomain string) (Result, error) {
	domain := mailFromDomain
	if domain == "" {
		domain = heloDomain
	}
	if domain == "" || remoteIP == nil {
		return ResultNeutral, nil
	}

	verdict, err := gospf.CheckHost(remoteIP, domain, heloDomain)
	if err != nil {
		return ResultNeutral, fmt.Errorf("policy: spf check for %s: %w", domain, err)
	}

	switch verdict {
	case gospf.Pass:
		return ResultPass, nil
	case gospf.Fail, gospf.SoftFail:
		return ResultFail, nil
	default:
		return ResultNeutral, nil
	}
}
