package mailsink

import (
	"net/mail"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// parsePath extracts the address following prefix ("FROM:" or "TO:") and
// the ESMTP parameters after it. ok is false when prefix is missing or the
// angle brackets are unbalanced.
func parsePath(args, prefix string) (addr string, params map[string]string, ok bool) {
	if len(args) < len(prefix) || !strings.EqualFold(args[:len(prefix)], prefix) {
		return "", nil, false
	}
	rest := strings.TrimSpace(args[len(prefix):])

	var paramStr string
	if strings.HasPrefix(rest, "<") {
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			return "", nil, false
		}
		// spaces inside the brackets are trimmed, as Postfix does
		addr = strings.TrimSpace(rest[1:end])
		paramStr = rest[end+1:]
	} else {
		addr, paramStr, _ = strings.Cut(rest, " ")
	}

	for param := range strings.FieldsSeq(paramStr) {
		if params == nil {
			params = make(map[string]string)
		}
		key, value, _ := strings.Cut(param, "=")
		params[strings.ToUpper(key)] = value
	}
	return addr, params, true
}

// sizeParam returns the numeric SIZE parameter. Non-numeric values are ignored.
func sizeParam(params map[string]string) int64 {
	n, err := strconv.ParseInt(params["SIZE"], 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// validAddress reports whether addr is an acceptable mailbox. The empty
// (null) path is valid. Domains may be IDNs or address literals.
func validAddress(addr string) bool {
	if addr == "" {
		return true
	}
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 || at == len(addr)-1 {
		return false
	}
	local, domain := addr[:at], addr[at+1:]

	if strings.HasPrefix(domain, "[") && strings.HasSuffix(domain, "]") {
		literal := strings.TrimPrefix(domain[1:len(domain)-1], "IPv6:")
		if _, err := netip.ParseAddr(literal); err != nil {
			return false
		}
		domain = "example.invalid"
	} else {
		ascii, err := idna.Lookup.ToASCII(domain)
		if err != nil || ascii == "" {
			return false
		}
		domain = ascii
	}

	parsed, err := mail.ParseAddress("<" + local + "@" + domain + ">")
	return err == nil && parsed.Name == ""
}
