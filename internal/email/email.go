package email

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/net/idna"
)

var (
	// ErrInvalidAddress indicates the address failed validation.
	ErrInvalidAddress = errors.New("invalid email address")
	// ErrNotMailbox indicates the input parsed as something other than a single mailbox, e.g. a group.
	ErrNotMailbox = errors.New("not a mailbox address")
)

// Address is a single parsed mailbox.
type Address struct {
	// Mailbox is the bare addr-spec, local@domain, without display name or brackets.
	Mailbox string
	// Local is the local part in wire form, quoted when it is not a dot-atom.
	Local string
	// Domain is lower case, without trailing dot, in IDNA ASCII form.
	Domain string
}

func (a Address) String() string {
	return a.Mailbox
}

// ParseAddress parses one address as it may appear in a From/To/Cc/Bcc list,
// e.g. "user@example.com", "<user@example.com>" or "Jane Doe <user@example.com>".
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}
	if strings.ContainsAny(s, "\r\n") {
		return Address{}, fmt.Errorf("%w: unexpected newline", ErrInvalidAddress)
	}
	if strings.HasSuffix(s, ";") || strings.Contains(s, ":") && !strings.Contains(s, "<") {
		return Address{}, fmt.Errorf("%w: %q", ErrNotMailbox, s)
	}

	parsed, err := mail.ParseAddress(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	at := strings.LastIndex(parsed.Address, "@")
	if at <= 0 {
		return Address{}, fmt.Errorf("%w: missing local part", ErrInvalidAddress)
	}
	domain, err := Domain(parsed.Address)
	if err != nil {
		return Address{}, err
	}
	local := quoteLocal(parsed.Address[:at])
	return Address{
		Mailbox: local + "@" + parsed.Address[at+1:],
		Local:   local,
		Domain:  domain,
	}, nil
}

// SplitList splits a comma separated address list. Commas inside quoted
// strings, comments and angle brackets do not split.
func SplitList(list string) []string {
	var parts []string
	var cur strings.Builder
	var quoted, escaped bool
	depth, angle := 0, 0
	for _, r := range list {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && (quoted || depth > 0):
			escaped = true
		case r == '"' && depth == 0:
			quoted = !quoted
		case quoted:
		case r == '(':
			depth++
		case r == ')' && depth > 0:
			depth--
		case depth > 0:
		case r == '<':
			angle++
		case r == '>' && angle > 0:
			angle--
		case r == ',' && angle == 0:
			if p := strings.TrimSpace(cur.String()); p != "" {
				parts = append(parts, p)
			}
			cur.Reset()
			continue
		}
		cur.WriteRune(r)
	}
	if p := strings.TrimSpace(cur.String()); p != "" {
		parts = append(parts, p)
	}
	return parts
}

// quoteLocal returns local as an RFC 5321 quoted-string unless it is a
// valid dot-atom.
func quoteLocal(local string) string {
	if isDotAtom(local) {
		return local
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range local {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

func isDotAtom(s string) bool {
	if s == "" || s[0] == '.' || s[len(s)-1] == '.' || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		switch {
		case r == '.', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("!#$%&'*+-/=?^_`{|}~", r):
		case r > 0x7f: // SMTPUTF8
		default:
			return false
		}
	}
	return true
}

// Domain returns the normalised domain component of an email address.
func Domain(address string) (string, error) {
	at := strings.LastIndex(address, "@")
	if at == -1 || at == len(address)-1 {
		return "", fmt.Errorf("%w: missing domain", ErrInvalidAddress)
	}

	domain := strings.TrimSpace(address[at+1:])
	domain = strings.TrimSuffix(domain, ".")
	if domain == "" {
		return "", fmt.Errorf("%w: empty domain", ErrInvalidAddress)
	}
	if strings.ContainsAny(domain, " \t") {
		return "", fmt.Errorf("%w: whitespace in domain", ErrInvalidAddress)
	}
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", fmt.Errorf("%w: domain %q: %v", ErrInvalidAddress, domain, err)
	}

	return strings.ToLower(ascii), nil
}
