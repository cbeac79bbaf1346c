package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"maildove/internal/audit"
	"maildove/internal/metrics"
	"maildove/tlsconfig"
)

const crlf = "\r\n"

// sessionConn drives a session over a live connection: it reads replies,
// feeds them to the session and performs the resulting writes. The
// connection is exclusively owned and closed when run returns.
type sessionConn struct {
	sess    *session
	raw     net.Conn // The TCP connection, also after a STARTTLS upgrade.
	conn    net.Conn // Current transport: raw or a *tls.Conn wrapping it.
	host    string   // MX host that accepted the connection, the expected TLS peer.
	tlsBase *tls.Config
	timeout time.Duration
	body    []byte
	logger  *slog.Logger
	split   lineSplitter
}

func (c *sessionConn) run(ctx context.Context) (rerr error) {
	defer func() {
		c.conn.Close()
		if rerr != nil && c.sess.state != stateFailed {
			c.sess.state = stateFailed
		}
	}()

	// Unblock pending reads and writes when ctx is canceled.
	stop := context.AfterFunc(ctx, func() {
		c.raw.SetDeadline(time.Now())
	})
	defer stop()

	c.sess.connected()
	buf := make([]byte, 4096)
	for {
		if err := c.raw.SetReadDeadline(c.deadline(ctx)); err != nil {
			return fmt.Errorf("set deadline: %w", err)
		}
		n, rerr := c.conn.Read(buf)
		if n > 0 {
			done, err := c.process(ctx, buf[:n])
			if err != nil {
				return c.ctxErr(ctx, err)
			}
			if done {
				return nil
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				rerr = io.ErrUnexpectedEOF
			}
			return c.ctxErr(ctx, fmt.Errorf("read reply from %s in state %s: %w", c.host, c.sess.state, rerr))
		}
	}
}

// process handles one inbound chunk. Replies are handled strictly in order;
// each may produce writes before the next reply is looked at.
func (c *sessionConn) process(ctx context.Context, chunk []byte) (bool, error) {
	lines := c.split.feed(chunk)
	for i, line := range lines {
		audit.Log(c.logger, "RECV", line)
		act, ok := c.sess.receive(line)
		if !ok {
			continue
		}
		if act.err != nil {
			return false, act.err
		}
		if act.done {
			c.logger.Info("message sent successfully", slog.String("reply", line))
			return true, nil
		}
		if act.upgrade {
			if i+1 < len(lines) || c.split.pending() {
				// Plaintext data after the 220 to STARTTLS would be injected into the TLS session.
				c.logger.Warn("discarding plaintext received after STARTTLS reply")
			}
			c.split.reset()
			c.upgrade(ctx)
		}
		for _, cmd := range act.send {
			if err := c.writeLine(ctx, cmd); err != nil {
				return false, err
			}
		}
		if act.body {
			if err := c.writeBody(ctx); err != nil {
				return false, err
			}
		}
		if act.upgrade {
			// Remaining lines belonged to the plaintext connection.
			return false, nil
		}
	}
	return false, nil
}

// upgrade performs the TLS handshake on the raw connection. On failure the
// session continues on the plaintext connection.
func (c *sessionConn) upgrade(ctx context.Context) {
	conf := tlsconfig.ForHost(c.tlsBase, c.host)
	tc := tls.Client(c.raw, conf)

	hctx, cancel := context.WithDeadline(ctx, c.deadline(ctx))
	defer cancel()
	if err := c.raw.SetDeadline(time.Time{}); err != nil {
		c.logger.Warn("clear deadline before tls handshake", slog.Any("err", err))
	}
	if err := tc.HandshakeContext(hctx); err != nil {
		metrics.STARTTLS.WithLabelValues("fallback").Inc()
		uerr := &TLSUpgradeError{Host: c.host, Err: err}
		c.logger.Warn("could not upgrade to TLS, falling back to plaintext", slog.Any("err", uerr))
		return
	}
	state := tc.ConnectionState()
	metrics.STARTTLS.WithLabelValues("ok").Inc()
	c.logger.Debug("tls upgrade complete",
		slog.String("version", tls.VersionName(state.Version)),
		slog.String("cipher", tls.CipherSuiteName(state.CipherSuite)))
	c.conn = tc
}

func (c *sessionConn) writeLine(ctx context.Context, line string) error {
	audit.Log(c.logger, "SEND", line)
	return c.write(ctx, []byte(line+crlf))
}

// writeBody transmits the prepared body, an empty line and the "." line.
func (c *sessionConn) writeBody(ctx context.Context) error {
	c.logger.Debug("sending mail body", slog.Int("size", len(c.body)))
	data := make([]byte, 0, len(c.body)+5)
	data = append(data, c.body...)
	data = append(data, crlf+"."+crlf...)
	audit.Log(c.logger, "SEND", ".")
	return c.write(ctx, data)
}

func (c *sessionConn) write(ctx context.Context, data []byte) error {
	if err := c.raw.SetWriteDeadline(c.deadline(ctx)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("write to %s: %w", c.host, err)
	}
	return nil
}

// deadline is the per-step deadline, bounded by the context deadline.
func (c *sessionConn) deadline(ctx context.Context) time.Time {
	if ctx.Err() != nil {
		return time.Now()
	}
	d := time.Now().Add(c.timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		d = cd
	}
	return d
}

// ctxErr prefers the context error when the context ended the session.
func (c *sessionConn) ctxErr(ctx context.Context, err error) error {
	cerr := ctx.Err()
	if d, ok := ctx.Deadline(); ok && cerr == nil && !time.Now().Before(d) {
		cerr = context.DeadlineExceeded
	}
	if cerr != nil {
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			return fmt.Errorf("session with %s: %w", c.host, cerr)
		}
	}
	return err
}
