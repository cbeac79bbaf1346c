package delivery

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"time"
)

// DialFunc opens a network connection, with the signature of
// (*net.Dialer).DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// dialCandidates connects to the candidates one at a time, in priority order,
// and returns the first connection that succeeds together with the candidate
// that accepted it. There is no racing: a lower-preference exchange is only
// tried after every preferred one failed.
func dialCandidates(ctx context.Context, dial DialFunc, domain string, candidates []MXCandidate, port int, timeout time.Duration, logger *slog.Logger) (net.Conn, MXCandidate, error) {
	ordered := append([]MXCandidate(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	var hosts []string
	var lastErr error
	for _, mx := range ordered {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		hosts = append(hosts, mx.Host)
		addr := net.JoinHostPort(mx.Host, strconv.Itoa(port))

		dctx, cancel := context.WithTimeout(ctx, timeout)
		conn, err := dial(dctx, "tcp", addr)
		cancel()
		if err == nil {
			logger.Debug("mx connection created", slog.String("mx", mx.Host), slog.Int("priority", mx.Priority))
			return conn, mx, nil
		}
		logger.Warn("connect to mx failed", slog.String("mx", mx.Host), slog.Int("priority", mx.Priority), slog.Any("err", err))
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no candidates")
	}
	return nil, MXCandidate{}, &ConnectError{Domain: domain, Hosts: hosts, Err: lastErr}
}
