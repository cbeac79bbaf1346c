package delivery

import "maildove/internal/email"

// Envelope is the SMTP-level addressing of one SendMail call. Each To, Cc and
// Bcc element may itself be a comma separated address list.
type Envelope struct {
	From string
	To   []string
	Cc   []string
	Bcc  []string
}

// Recipients returns the individual address strings of To, Cc and Bcc, in
// that order. Addresses are not validated here.
func (e Envelope) Recipients() []string {
	var out []string
	for _, list := range [][]string{e.To, e.Cc, e.Bcc} {
		for _, s := range list {
			out = append(out, email.SplitList(s)...)
		}
	}
	return out
}

// DomainGroup holds the recipients of one destination domain.
type DomainGroup struct {
	Domain     string
	Recipients []string
}

// GroupRecipients parses every recipient and partitions the valid ones by
// domain. Groups are ordered by the first appearance of their domain, and
// recipients keep their relative order. Repeated mailboxes within a domain
// are kept once. Addresses that fail to parse are returned in rejected.
func GroupRecipients(recipients []string) (groups []DomainGroup, rejected []string) {
	index := map[string]int{}
	seen := map[string]bool{}
	for _, raw := range recipients {
		addr, err := email.ParseAddress(raw)
		if err != nil {
			rejected = append(rejected, raw)
			continue
		}
		key := addr.Local + "@" + addr.Domain
		if seen[key] {
			continue
		}
		seen[key] = true

		i, ok := index[addr.Domain]
		if !ok {
			i = len(groups)
			index[addr.Domain] = i
			groups = append(groups, DomainGroup{Domain: addr.Domain})
		}
		groups[i].Recipients = append(groups[i].Recipients, addr.Mailbox)
	}
	return groups, rejected
}
