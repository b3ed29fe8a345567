package smtpserver

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/go-smtpcore/smtpcore/internal/normalize"
)

// Params holds the ESMTP parameters that can follow a MAIL FROM or RCPT TO
// address (e.g. "SIZE=1024 BODY=8BITMIME"). A zero Params (Set == false)
// means the client gave no parameters at all, which callers should treat
// differently from an empty-but-present parameter list.
type Params struct {
	set    bool
	values map[string]string
}

// Set reports whether the client supplied any ESMTP parameters.
func (p Params) Set() bool { return p.set }

// Get returns the value for key (matched case-insensitively) and whether
// it was present.
func (p Params) Get(key string) (string, bool) {
	if !p.set {
		return "", false
	}
	v, ok := p.values[strings.ToUpper(key)]
	return v, ok
}

func noParams() Params { return Params{} }

func someParams(values map[string]string) Params {
	return Params{set: true, values: values}
}

// splitCommandPrefix strips a case-insensitive "keyword:" prefix from
// params, tolerating the (non-conformant, but seen in the wild) case
// where the client puts whitespace before the colon, e.g. "FROM :<a@b>".
// It returns the remainder and whether the prefix was found.
func splitCommandPrefix(params, keyword string) (string, bool) {
	trimmed := strings.TrimLeft(params, " \t")
	if len(trimmed) < len(keyword) || !strings.EqualFold(trimmed[:len(keyword)], keyword) {
		return "", false
	}
	rest := trimmed[len(keyword):]
	rest = strings.TrimLeft(rest, " \t")
	if !strings.HasPrefix(rest, ":") {
		return "", false
	}
	return rest[1:], true
}

// parseAddrAndParams splits "<addr> [KEY=VALUE ...]" into the address
// token and its trailing ESMTP parameters.
func parseAddrAndParams(s string) (addrToken string, params Params) {
	s = strings.TrimLeft(s, " ")
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "", noParams()
	}

	addrToken = fields[0]
	if len(fields) == 1 {
		return addrToken, noParams()
	}

	values := make(map[string]string, len(fields)-1)
	for _, f := range fields[1:] {
		kv := strings.SplitN(f, "=", 2)
		k := strings.ToUpper(kv[0])
		v := ""
		if len(kv) == 2 {
			v = kv[1]
		}
		values[k] = v
	}
	return addrToken, someParams(values)
}

// ParseMailFrom parses the parameter string of a MAIL command (everything
// after "MAIL "). It accepts the RFC 5321 "FROM:<reverse-path>" form, a
// bare "<>" null reverse-path, and trailing ESMTP parameters.
func ParseMailFrom(raw string) (addr string, params Params, err error) {
	rest, ok := splitCommandPrefix(raw, "FROM")
	if !ok {
		return "", noParams(), fmt.Errorf("expected FROM:<address>")
	}

	addrToken, params := parseAddrAndParams(rest)
	if strings.ReplaceAll(addrToken, " ", "") == "<>" {
		return "<>", params, nil
	}

	e, err := mail.ParseAddress(addrToken)
	if err != nil || e.Address == "" {
		return "", noParams(), fmt.Errorf("malformed sender address")
	}
	if !strings.Contains(e.Address, "@") {
		return "", noParams(), fmt.Errorf("sender address must contain a domain")
	}
	// https://tools.ietf.org/html/rfc5321#section-4.5.3.1.3
	if len(e.Address) > 256 {
		return "", noParams(), fmt.Errorf("sender address too long")
	}

	// Normalize to Unicode/PRECIS form so SMTPUTF8 addresses compare
	// consistently regardless of how the client encoded them.
	addr, _ = normalize.Addr(e.Address)
	return addr, params, nil
}

// ParseRcptTo parses the parameter string of a RCPT command (everything
// after "RCPT ").
func ParseRcptTo(raw string) (addr string, params Params, err error) {
	rest, ok := splitCommandPrefix(raw, "TO")
	if !ok {
		return "", noParams(), fmt.Errorf("expected TO:<address>")
	}

	addrToken, params := parseAddrAndParams(rest)
	e, err := mail.ParseAddress(addrToken)
	if err != nil || e.Address == "" {
		return "", noParams(), fmt.Errorf("malformed recipient address")
	}
	if len(e.Address) > 256 {
		return "", noParams(), fmt.Errorf("recipient address too long")
	}

	addr, _ = normalize.Addr(e.Address)
	return addr, params, nil
}
