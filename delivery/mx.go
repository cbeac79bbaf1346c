package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"

	"github.com/mjl-/adns"
)

// MXCandidate is one mail exchanger for a domain. Lower Priority is preferred.
type MXCandidate struct {
	Host     string
	Priority int
}

// LookupMXFunc resolves the MX records of a domain.
type LookupMXFunc func(ctx context.Context, domain string) ([]*net.MX, error)

// MXResolver turns a destination domain into an ordered list of MX candidates.
// When RelayHost is set every domain resolves to that single host and DNS is
// not consulted.
type MXResolver struct {
	RelayHost string
	lookup    LookupMXFunc
	logger    *slog.Logger
}

// NewMXResolver returns a resolver. A nil lookup uses the system DNS
// resolver through adns.
func NewMXResolver(relayHost string, lookup LookupMXFunc, logger *slog.Logger) *MXResolver {
	if lookup == nil {
		lookup = lookupMX
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MXResolver{
		RelayHost: strings.TrimSpace(relayHost),
		lookup:    lookup,
		logger:    logger,
	}
}

func lookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	// Absolute name, no search-list expansion.
	name := domain
	if !strings.HasSuffix(name, ".") {
		name += "."
	}
	records, _, err := adns.DefaultResolver.LookupMX(ctx, name)
	return records, err
}

// Resolve returns the MX candidates for domain sorted ascending by priority.
// Records with equal priority keep the order the resolver returned them in.
func (r *MXResolver) Resolve(ctx context.Context, domain string) ([]MXCandidate, error) {
	if r.RelayHost != "" {
		return []MXCandidate{{Host: r.RelayHost, Priority: 1}}, nil
	}

	// A lookup can fail partially and still return usable records.
	records, err := r.lookup(ctx, domain)
	if err != nil {
		if len(records) == 0 {
			return nil, &ResolutionError{Domain: domain, Err: err}
		}
		r.logger.Warn("mx lookup returned records with error", slog.String("domain", domain), slog.Any("err", err))
	}

	candidates := make([]MXCandidate, 0, len(records))
	for _, mx := range records {
		if mx == nil {
			continue
		}
		host := strings.TrimSuffix(mx.Host, ".")
		// Null MX (RFC 7505) or empty host: the domain does not accept mail.
		if host == "" {
			continue
		}
		candidates = append(candidates, MXCandidate{Host: host, Priority: int(mx.Pref)})
	}
	if len(candidates) == 0 {
		return nil, &ResolutionError{Domain: domain, Err: errNoMXRecords}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority < candidates[j].Priority
	})

	r.logger.Debug("resolved mx", slog.String("domain", domain), slog.String("candidates", fmt.Sprint(candidates)))
	return candidates, nil
}
