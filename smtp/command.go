package smtp

import "strings"

// CommandKind tags the variant carried by a parsed Command.
type CommandKind int

const (
	CmdUnrecognized CommandKind = iota
	CmdParamError
	CmdHelo
	CmdEhlo
	CmdMail
	CmdRcpt
	CmdData
	CmdRset
	CmdVrfy
	CmdExpn
	CmdHelp
	CmdNoop
	CmdQuit
	CmdStartTLS
	CmdAuth
	CmdBdat
)

// Command is the parser's tagged output. Only the fields relevant to
// Kind are populated; the rest are left at their zero value. The parser
// never returns a partial-line marker: SessionMachine only ever invokes
// ParseCommand on a line RecvBuffer.FindLine has already confirmed is
// CRLF-terminated.
type Command struct {
	Kind CommandKind

	Verb string // original verb, set for Unrecognized/ParamError

	Domain string // HELO/EHLO argument

	Path       *MailAddress // MAIL/RCPT
	MailParams MailParams   // MAIL
	RcptParams RcptParams   // RCPT

	Word   string   // VRFY/EXPN/HELP/AUTH mechanism argument
	Params []string // residual whitespace-separated arguments

	ChunkSize int64 // BDAT
	Last      bool  // BDAT ... LAST
}

// ParseCommand parses one CRLF-stripped command line. The parser is
// case-insensitive for verbs and tolerant of trailing whitespace before
// the line ending (already stripped by the caller) and of the extra
// space RFC 5321 examples often put after the MAIL/RCPT colon.
func ParseCommand(line []byte) *Command {
	text := strings.TrimRight(string(line), " \t")
	verb, rest, _ := strings.Cut(text, " ")
	verb = strings.ToUpper(strings.TrimSpace(verb))
	rest = strings.TrimSpace(rest)

	switch verb {
	case "HELO":
		if rest == "" {
			return paramError(verb)
		}
		return &Command{Kind: CmdHelo, Domain: rest}

	case "EHLO":
		if rest == "" {
			return paramError(verb)
		}
		return &Command{Kind: CmdEhlo, Domain: rest}

	case "MAIL":
		path, params, ok := splitPathAndParams(rest, "FROM:")
		if !ok {
			return paramError(verb)
		}
		addr, err := ParsePath(path)
		if err != nil {
			return paramError(verb)
		}
		mp, perr := parseMailParams(params)
		if perr != nil {
			return perr
		}
		return &Command{Kind: CmdMail, Path: addr, MailParams: mp}

	case "RCPT":
		path, params, ok := splitPathAndParams(rest, "TO:")
		if !ok {
			return paramError(verb)
		}
		addr, err := ParsePath(path)
		if err != nil {
			return paramError(verb)
		}
		rp, perr := parseRcptParams(params)
		if perr != nil {
			return perr
		}
		return &Command{Kind: CmdRcpt, Path: addr, RcptParams: rp}

	case "DATA":
		return &Command{Kind: CmdData}

	case "RSET":
		return &Command{Kind: CmdRset}

	case "VRFY":
		if rest == "" {
			return paramError(verb)
		}
		return &Command{Kind: CmdVrfy, Word: rest}

	case "EXPN":
		if rest == "" {
			return paramError(verb)
		}
		return &Command{Kind: CmdExpn, Word: rest}

	case "HELP":
		return &Command{Kind: CmdHelp, Word: rest}

	case "NOOP":
		return &Command{Kind: CmdNoop}

	case "QUIT":
		return &Command{Kind: CmdQuit}

	case "STARTTLS":
		return &Command{Kind: CmdStartTLS}

	case "AUTH":
		if rest == "" {
			return paramError(verb)
		}
		words := splitParamWords(rest)
		return &Command{Kind: CmdAuth, Word: words[0], Params: words[1:]}

	case "BDAT":
		words := splitParamWords(rest)
		if len(words) == 0 {
			return paramError(verb)
		}
		size, perr := parseBdatSize(words[0])
		if perr != nil {
			return perr
		}
		last := len(words) > 1 && strings.EqualFold(words[1], "LAST")
		return &Command{Kind: CmdBdat, ChunkSize: size, Last: last}

	default:
		return &Command{Kind: CmdUnrecognized, Verb: verb}
	}
}

func parseBdatSize(word string) (int64, *Command) {
	var n int64
	for _, c := range word {
		if c < '0' || c > '9' {
			return 0, paramError("BDAT")
		}
		n = n*10 + int64(c-'0')
	}
	return n, nil
}

// splitPathAndParams splits "FROM:<a@b> SIZE=10" (or the bare-address,
// no-angle-brackets form) into the path text and the trailing parameter
// string, tolerating the extra space RFC 5321 3.4.1 notes clients send
// after the colon.
func splitPathAndParams(rest, keyword string) (path string, params string, ok bool) {
	upper := strings.ToUpper(rest)
	if !strings.HasPrefix(upper, keyword) {
		return "", "", false
	}
	rest = strings.TrimSpace(rest[len(keyword):])

	if strings.HasPrefix(rest, "<") {
		end := strings.Index(rest, ">")
		if end < 0 {
			return "", "", false
		}
		return rest[:end+1], strings.TrimSpace(rest[end+1:]), true
	}

	sp := strings.IndexByte(rest, ' ')
	if sp < 0 {
		return rest, "", true
	}
	return rest[:sp], strings.TrimSpace(rest[sp+1:]), true
}
