package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"maildove/internal/config"
	"maildove/internal/email"
	"maildove/internal/metrics"
	"maildove/tlsconfig"
)

// Outcome is the result of delivering to one destination domain.
type Outcome struct {
	Domain     string
	Recipients []string
	MX         string // Exchange that accepted the connection, if any.
	Err        error
}

// OK reports whether the domain accepted the message.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Temporary reports whether the failure may go away on a later attempt: a
// 4xx reply, no reachable exchange, or a timeout.
func (o Outcome) Temporary() bool {
	var perr *ProtocolError
	var cerr *ConnectError
	switch {
	case o.Err == nil:
		return false
	case errors.As(o.Err, &perr):
		return perr.Temporary()
	case errors.As(o.Err, &cerr):
		return true
	default:
		return outcomeLabel(o.Err) == "timeout"
	}
}

// Result holds the outcome of every domain of one SendMail call, in grouping order.
type Result struct {
	ID       string
	Outcomes []Outcome
	Rejected []string // Recipient strings that did not parse as a mailbox.
}

// Delivered returns the domains that accepted the message.
func (r *Result) Delivered() []string {
	var domains []string
	for _, o := range r.Outcomes {
		if o.OK() {
			domains = append(domains, o.Domain)
		}
	}
	return domains
}

// Temporary reports whether at least one domain failed and every failure
// was temporary.
func (r *Result) Temporary() bool {
	failed := 0
	for _, o := range r.Outcomes {
		if o.OK() {
			continue
		}
		if !o.Temporary() {
			return false
		}
		failed++
	}
	return failed > 0
}

// Engine delivers messages directly to the mail exchangers of the recipient
// domains. It holds no per-delivery state and may be used concurrently.
type Engine struct {
	port           int
	heloName       string
	resolver       *MXResolver
	lookup         LookupMXFunc
	dial           DialFunc
	tlsBase        *tls.Config
	preferStartTLS bool
	connectTimeout time.Duration
	commandTimeout time.Duration
	logger         *slog.Logger
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMXLookup replaces the DNS MX lookup.
func WithMXLookup(lookup LookupMXFunc) Option {
	return func(e *Engine) { e.lookup = lookup }
}

// WithDialer replaces the function used to open TCP connections to exchanges.
func WithDialer(dial DialFunc) Option {
	return func(e *Engine) { e.dial = dial }
}

// NewEngine creates an engine from the configuration.
func NewEngine(cfg *config.Config, opts ...Option) (*Engine, error) {
	tlsBase, err := tlsconfig.Client(cfg.TLS)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		port:           cfg.SMTPPort,
		heloName:       cfg.HeloName,
		tlsBase:        tlsBase,
		preferStartTLS: cfg.TLS.PreferStartTLS,
		connectTimeout: cfg.Timeouts.Connect,
		commandTimeout: cfg.Timeouts.Command,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.dial == nil {
		d := &net.Dialer{}
		e.dial = d.DialContext
	}
	if e.port == 0 {
		e.port = 25
	}
	if e.connectTimeout <= 0 {
		e.connectTimeout = 30 * time.Second
	}
	if e.commandTimeout <= 0 {
		e.commandTimeout = 5 * time.Minute
	}
	e.resolver = NewMXResolver(cfg.RelayHost, e.lookup, e.logger)
	return e, nil
}

// SendMail delivers message to every recipient of env, one SMTP session per
// recipient domain, one domain after the other. message must be a complete
// RFC 5322 message; dkimSignature, when not empty, is prepended as a header.
//
// A failing domain does not stop delivery to the remaining domains. If no
// domain accepted the message the returned error wraps ErrNoDelivery; the
// Result is returned in that case too.
func (e *Engine) SendMail(ctx context.Context, env Envelope, message []byte, dkimSignature string) (*Result, error) {
	res := &Result{ID: uuid.NewString()}
	log := e.logger.With(slog.String("delivery_id", res.ID))

	sender, err := email.ParseAddress(env.From)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSender, err)
	}

	groups, rejected := GroupRecipients(env.Recipients())
	res.Rejected = rejected
	for _, r := range rejected {
		log.Warn("skipping invalid recipient", slog.String("recipient", r))
	}
	if len(groups) == 0 {
		return nil, ErrNoRecipients
	}

	payload := message
	if dkimSignature != "" {
		payload = make([]byte, 0, len(dkimSignature)+len(crlf)+len(message))
		payload = append(payload, dkimSignature...)
		payload = append(payload, crlf...)
		payload = append(payload, message...)
	}
	body := formatBody(payload)

	sourceHost := e.heloName
	if sourceHost == "" {
		sourceHost = sender.Domain
	}

	var lastErr error
	for _, g := range groups {
		o := e.DeliverDomain(ctx, g, sender.Mailbox, sourceHost, body, log)
		metrics.DomainOutcomes.WithLabelValues(outcomeLabel(o.Err)).Inc()
		if o.Err != nil {
			log.Error("could not send email", slog.String("domain", g.Domain), slog.Any("err", o.Err))
			lastErr = o.Err
		}
		res.Outcomes = append(res.Outcomes, o)
	}

	delivered := res.Delivered()
	switch {
	case len(delivered) == 0:
		metrics.Deliveries.WithLabelValues("failed").Inc()
		return res, fmt.Errorf("%w (%d domains): %w", ErrNoDelivery, len(groups), lastErr)
	case len(delivered) < len(groups):
		metrics.Deliveries.WithLabelValues("partial").Inc()
	default:
		metrics.Deliveries.WithLabelValues("ok").Inc()
	}
	log.Info("delivery finished", slog.Any("delivered", delivered), slog.Int("domains", len(groups)))
	return res, nil
}

// DeliverDomain runs one SMTP session delivering body to the recipients of
// g. body must already be prepared for transmission (see formatBody).
func (e *Engine) DeliverDomain(ctx context.Context, g DomainGroup, from, sourceHost string, body []byte, logger *slog.Logger) Outcome {
	out := Outcome{Domain: g.Domain, Recipients: g.Recipients}
	if logger == nil {
		logger = e.logger
	}
	log := logger.With(slog.String("domain", g.Domain))

	candidates, err := e.resolver.Resolve(ctx, g.Domain)
	if err != nil {
		out.Err = err
		return out
	}
	log.Info("resolved mx list", slog.Any("mx", candidates))

	conn, mx, err := dialCandidates(ctx, e.dial, g.Domain, candidates, e.port, e.connectTimeout, log)
	if err != nil {
		out.Err = err
		return out
	}
	out.MX = mx.Host

	metrics.IncSessions()
	defer metrics.DecSessions()

	sc := &sessionConn{
		sess:    newSession(g.Domain, sourceHost, from, g.Recipients, e.preferStartTLS),
		raw:     conn,
		conn:    conn,
		host:    mx.Host,
		tlsBase: e.tlsBase,
		timeout: e.commandTimeout,
		body:    body,
		logger:  log.With(slog.String("mx", mx.Host)),
	}
	out.Err = sc.run(ctx)
	return out
}

// formatBody prepares a message for the DATA phase: line endings become
// CRLF, lines starting with "." are dot-stuffed (RFC 5321 section 4.5.2) and
// the result ends with CRLF.
func formatBody(message []byte) []byte {
	var b bytes.Buffer
	b.Grow(len(message) + 64)
	lines := bytes.Split(message, []byte{'\n'})
	if len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	for _, line := range lines {
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) > 0 && line[0] == '.' {
			b.WriteByte('.')
		}
		b.Write(line)
		b.WriteString(crlf)
	}
	return b.Bytes()
}

func outcomeLabel(err error) string {
	var rerr *ResolutionError
	var cerr *ConnectError
	var perr *ProtocolError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &rerr):
		return "resolve"
	case errors.As(err, &cerr):
		return "connect"
	case errors.As(err, &perr):
		return "protocol"
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
