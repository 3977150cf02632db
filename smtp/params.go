package smtp

import (
	"strconv"
	"strings"
)

// MailParams holds the MAIL FROM parameters this parser recognizes:
// BODY, SIZE, RET, ENVID, AUTH and SMTPUTF8 (RFC 1870, 3461, 6152, 6531).
type MailParams struct {
	Body     string // "", "7BIT" or "8BITMIME"
	Size     int64  // 0 when unspecified
	Ret      string // "", "FULL" or "HDRS"
	Envid    string
	Auth     string
	SMTPUTF8 bool
}

// RcptParams holds the RCPT TO parameters this parser recognizes: NOTIFY
// and ORCPT (RFC 3461).
type RcptParams struct {
	Notify []string // subset of NEVER, SUCCESS, FAILURE, DELAY
	Orcpt  string
}

func splitParamWords(args string) []string {
	return strings.Fields(args)
}

func parseMailParams(args string) (MailParams, *Command) {
	var p MailParams
	for _, word := range splitParamWords(args) {
		key, val, _ := strings.Cut(word, "=")
		switch strings.ToUpper(key) {
		case "BODY":
			switch strings.ToUpper(val) {
			case "7BIT", "8BITMIME":
				p.Body = strings.ToUpper(val)
			default:
				return p, paramError("MAIL")
			}
		case "SIZE":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil || n < 0 {
				return p, paramError("MAIL")
			}
			p.Size = n
		case "RET":
			switch strings.ToUpper(val) {
			case "FULL", "HDRS":
				p.Ret = strings.ToUpper(val)
			default:
				return p, paramError("MAIL")
			}
		case "ENVID":
			p.Envid = val
		case "AUTH":
			p.Auth = val
		case "SMTPUTF8":
			p.SMTPUTF8 = true
		default:
			return p, paramError("MAIL")
		}
	}
	return p, nil
}

func parseRcptParams(args string) (RcptParams, *Command) {
	var p RcptParams
	for _, word := range splitParamWords(args) {
		key, val, _ := strings.Cut(word, "=")
		switch strings.ToUpper(key) {
		case "NOTIFY":
			for _, opt := range strings.Split(val, ",") {
				switch strings.ToUpper(opt) {
				case "NEVER", "SUCCESS", "FAILURE", "DELAY":
					p.Notify = append(p.Notify, strings.ToUpper(opt))
				default:
					return p, paramError("RCPT")
				}
			}
		case "ORCPT":
			p.Orcpt = val
		default:
			return p, paramError("RCPT")
		}
	}
	return p, nil
}

func paramError(verb string) *Command {
	return &Command{Kind: CmdParamError, Verb: verb}
}
