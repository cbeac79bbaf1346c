package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"maildove/delivery"
	"maildove/internal/audit"
	"maildove/internal/config"
	"maildove/internal/dkim"
	"maildove/internal/metrics"
	"maildove/storage"
)

// exitTempFail is sendmail's EX_TEMPFAIL: every failure was transient and a
// later retry may succeed.
const exitTempFail = 75

// cliArgs holds the parsed command line.
type cliArgs struct {
	ConfigPath  string
	From        string
	To          []string
	Cc          listFlag
	Bcc         listFlag
	ReadTo      bool
	MessagePath string
	Verbose     bool
}

// listFlag collects every occurrence of a repeatable flag.
type listFlag []string

func (l *listFlag) String() string {
	return strings.Join(*l, ", ")
}

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(argv []string, stdin io.Reader, stdout, stderr io.Writer) int {
	args, err := parseArgs(argv, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	cfg, err := config.Load(args.ConfigPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if args.Verbose {
		cfg.Logging.Level = "debug"
	}
	logger := config.SetupLogging(cfg)
	audit.Set(cfg.Logging.Transcript)

	message, err := readMessage(args.MessagePath, stdin)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading message: %v\n", err)
		return 1
	}
	if args.ReadTo {
		var recipients []string
		recipients, message = extractRecipients(message)
		args.To = append(args.To, recipients...)
	}
	if len(args.To)+len(args.Cc)+len(args.Bcc) == 0 {
		fmt.Fprintf(stderr, "Error: No recipients specified\n")
		return 2
	}

	signer, err := dkim.LoadFromConfig(cfg.DKIM)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	signature, err := signer.Signature(message, args.From)
	if err != nil {
		// Unsigned mail is still deliverable.
		logger.Warn("dkim signing failed", slog.Any("err", err))
	}

	engine, err := delivery.NewEngine(cfg, delivery.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := delivery.Envelope{
		From: args.From,
		To:   args.To,
		Cc:   args.Cc,
		Bcc:  args.Bcc,
	}
	result, sendErr := engine.SendMail(ctx, env, message, signature)
	if result != nil {
		printOutcomes(stdout, result)
		if cfg.ArchiveDir != "" {
			storage.SetBaseDir(cfg.ArchiveDir)
			if err := archive(result, args.From, signedMessage(signature, message)); err != nil {
				logger.Warn("archive failed", slog.String("delivery_id", result.ID), slog.Any("err", err))
			}
		}
	}
	if cfg.MetricsFile != "" {
		if err := metrics.WriteTextfile(cfg.MetricsFile); err != nil {
			logger.Warn("write metrics file failed", slog.String("path", cfg.MetricsFile), slog.Any("err", err))
		}
	}
	if sendErr != nil {
		fmt.Fprintf(stderr, "Error sending message: %v\n", sendErr)
		if result != nil && result.Temporary() {
			return exitTempFail
		}
		return 1
	}
	return 0
}

// parseArgs parses sendmail-style arguments. Positional arguments are
// recipients.
func parseArgs(argv []string, output io.Writer) (*cliArgs, error) {
	args := &cliArgs{}

	fs := flag.NewFlagSet("maildove", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&args.ConfigPath, "config", "", "Path to YAML configuration file")
	fs.StringVar(&args.From, "f", "", "Set sender address")
	fs.StringVar(&args.From, "from", "", "Set sender address (alias for -f)")
	fs.Var(&args.Cc, "cc", "Carbon copy recipients, comma separated (repeatable)")
	fs.Var(&args.Bcc, "bcc", "Blind carbon copy recipients, comma separated (repeatable)")
	fs.BoolVar(&args.ReadTo, "t", false, "Read recipients from message headers")
	fs.StringVar(&args.MessagePath, "i", "", "Read the message from file instead of stdin")
	fs.BoolVar(&args.Verbose, "v", false, "Verbose output")

	fs.Usage = func() {
		fmt.Fprintf(output, "Usage: maildove [options] recipient...\n")
		fmt.Fprintf(output, "\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(output, "\nExample:\n")
		fmt.Fprintf(output, "  maildove -f sender@example.com user@example.org < message.eml\n")
		fmt.Fprintf(output, "  maildove -config maildove.yaml -f sender@example.com -t -i message.eml\n")
	}

	if err := fs.Parse(argv); err != nil {
		return nil, err
	}
	args.To = append(args.To, fs.Args()...)

	if args.From == "" {
		if user := os.Getenv("USER"); user != "" {
			hostname, _ := os.Hostname()
			if hostname == "" {
				hostname = "localhost"
			}
			args.From = user + "@" + hostname
		}
	}
	if args.From == "" {
		return nil, errors.New("sender address required (-f)")
	}
	return args, nil
}

// readMessage reads the composed message from path, or from stdin when path
// is empty, with line endings normalised to CRLF.
func readMessage(path string, stdin io.Reader) ([]byte, error) {
	var data []byte
	var err error
	if path != "" {
		data, err = os.ReadFile(path)
	} else {
		data, err = io.ReadAll(stdin)
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("empty message")
	}
	return dkim.NormalizeLineEndings(data), nil
}

// extractRecipients returns the values of the To, Cc and Bcc header fields
// and the message with its Bcc fields removed. Folded header lines are
// joined.
func extractRecipients(message []byte) ([]string, []byte) {
	lines := strings.Split(string(message), "\r\n")
	var recipients []string
	var clean []string

	var current string
	skipping := false
	flush := func() {
		if current == "" {
			return
		}
		name, value, ok := strings.Cut(current, ":")
		if ok {
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "to", "cc", "bcc":
				if v := strings.TrimSpace(value); v != "" {
					recipients = append(recipients, v)
				}
			}
		}
		current = ""
	}

	for i, line := range lines {
		if line == "" {
			flush()
			clean = append(clean, lines[i:]...)
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			current += line
			if !skipping {
				clean = append(clean, line)
			}
			continue
		}
		flush()
		current = line
		skipping = strings.HasPrefix(strings.ToLower(line), "bcc:")
		if !skipping {
			clean = append(clean, line)
		}
	}
	flush()

	return recipients, []byte(strings.Join(clean, "\r\n"))
}

func printOutcomes(w io.Writer, result *delivery.Result) {
	for _, o := range result.Outcomes {
		if o.OK() {
			fmt.Fprintf(w, "%s: delivered via %s (%d recipients)\n", o.Domain, o.MX, len(o.Recipients))
			continue
		}
		fmt.Fprintf(w, "%s: failed: %v\n", o.Domain, o.Err)
	}
	for _, r := range result.Rejected {
		fmt.Fprintf(w, "%s: rejected: invalid address\n", r)
	}
}

func signedMessage(signature string, message []byte) []byte {
	if signature == "" {
		return message
	}
	return append([]byte(signature+"\r\n"), message...)
}

// deliveryReport is the archived JSON summary of one delivery.
type deliveryReport struct {
	ID       string          `json:"id"`
	From     string          `json:"from"`
	Time     time.Time       `json:"time"`
	Outcomes []outcomeReport `json:"outcomes"`
	Rejected []string        `json:"rejected,omitempty"`
}

type outcomeReport struct {
	Domain     string   `json:"domain"`
	Recipients []string `json:"recipients"`
	MX         string   `json:"mx,omitempty"`
	Status     string   `json:"status"`
	Temporary  bool     `json:"temporary,omitempty"`
	Error      string   `json:"error,omitempty"`
}

func newReport(result *delivery.Result, from string, now time.Time) deliveryReport {
	report := deliveryReport{
		ID:       result.ID,
		From:     from,
		Time:     now.UTC(),
		Rejected: result.Rejected,
	}
	for _, o := range result.Outcomes {
		or := outcomeReport{
			Domain:     o.Domain,
			Recipients: o.Recipients,
			MX:         o.MX,
			Status:     "delivered",
		}
		if !o.OK() {
			or.Status = "failed"
			or.Temporary = o.Temporary()
			or.Error = o.Err.Error()
		}
		report.Outcomes = append(report.Outcomes, or)
	}
	return report
}

func archive(result *delivery.Result, from string, message []byte) error {
	if err := storage.SaveMessage(result.ID, message); err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	if err := storage.SaveReport(result.ID, newReport(result, from, time.Now())); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}
