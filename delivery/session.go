package delivery

import (
	"fmt"
	"regexp"
)

// SMTP reply codes the session acts on.
const (
	codeServiceReady       = 220
	codeBye                = 221
	codeAuthSuccess        = 235
	codeOK                 = 250
	codeForwardNonLocal    = 251
	codeServerChallenge    = 334
	codeStartMailInput     = 354
	codeNegativeCompletion = 400
)

type sessionState int

const (
	stateConnecting sessionState = iota
	stateAwaitingGreeting
	stateGreeting // EHLO/HELO sent.
	stateTLSUpgrade
	stateTransacting // MAIL/RCPT/DATA.
	stateSendingBody
	stateAwaitingBye
	stateClosed
	stateFailed
)

var stateNames = [...]string{
	"connecting", "awaiting-greeting", "greeting", "tls-upgrade",
	"transacting", "sending-body", "awaiting-bye", "closed", "failed",
}

func (s sessionState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type tlsState int

const (
	tlsPlain tlsState = iota
	tlsUpgrading
	// tlsUpgraded means no further TLS negotiation: the connection was
	// upgraded, the upgrade fell back to plaintext, or STARTTLS was skipped.
	tlsUpgraded
)

var (
	esmtpRe    = regexp.MustCompile(`(?i)\besmtp\b`)
	starttlsRe = regexp.MustCompile(`(?i)\bSTARTTLS\b`)
)

// action is what the connection driver must do after a reply.
type action struct {
	upgrade bool     // Perform the TLS handshake before sending.
	send    []string // Command lines, without CRLF.
	body    bool     // Transmit the message body and the end-of-data marker.
	done    bool     // Session completed successfully.
	err     error    // Session failed.
}

// session is the protocol state of one SMTP delivery to one domain. It does
// no I/O: handle maps a complete reply to the next action. A session is
// created for a single attempt and discarded afterwards.
type session struct {
	domain     string
	sourceHost string
	preferTLS  bool

	queue  []string
	cursor int

	replies  replyBuffer
	state    sessionState
	tls      tlsState
	greeted  bool
	lastSent string
}

func newSession(domain, sourceHost, from string, recipients []string, preferTLS bool) *session {
	queue := make([]string, 0, len(recipients)+4)
	queue = append(queue, "MAIL FROM:<"+from+">")
	for _, rcpt := range recipients {
		queue = append(queue, "RCPT TO:<"+rcpt+">")
	}
	queue = append(queue, "DATA", "QUIT", "")

	return &session{
		domain:     domain,
		sourceHost: sourceHost,
		preferTLS:  preferTLS,
		queue:      queue,
		state:      stateConnecting,
	}
}

func (s *session) connected() {
	s.state = stateAwaitingGreeting
}

// receive feeds one inbound line. It returns ok=false while a multi-line
// reply is still incomplete.
func (s *session) receive(line string) (act action, ok bool) {
	r, complete, err := s.replies.add(line)
	if err != nil {
		return s.fail(err), true
	}
	if !complete {
		return action{}, false
	}
	return s.handle(r), true
}

func (s *session) handle(r Reply) action {
	if r.Code >= codeNegativeCompletion {
		return s.fail(&ProtocolError{Code: r.Code, Message: r.Text(), Command: s.lastSent})
	}

	switch r.Code {
	case codeServiceReady:
		if s.tls == tlsUpgrading {
			// Server accepted STARTTLS. Greet again on the new connection (RFC 3207).
			s.tls = tlsUpgraded
			s.state = stateGreeting
			return s.emit(action{upgrade: true}, "EHLO "+s.sourceHost)
		}
		if s.state != stateAwaitingGreeting {
			return action{}
		}
		s.state = stateGreeting
		if esmtpRe.MatchString(r.Text()) {
			return s.emit(action{}, "EHLO "+s.sourceHost)
		}
		// Plain SMTP peers cannot offer STARTTLS.
		s.tls = tlsUpgraded
		return s.emit(action{}, "HELO "+s.sourceHost)

	case codeBye:
		s.state = stateClosed
		s.queue = nil
		s.cursor = 0
		return action{done: true}

	case codeAuthSuccess, codeOK:
		if !s.awaitingCompletion() {
			return action{}
		}
		if s.state == stateGreeting {
			s.greeted = true
		}
		if s.tls == tlsPlain {
			if s.preferTLS && starttlsRe.MatchString(r.Text()) {
				s.tls = tlsUpgrading
				s.state = stateTLSUpgrade
				return s.emit(action{}, "STARTTLS")
			}
			s.tls = tlsUpgraded
		}
		return s.advance()

	case codeForwardNonLocal:
		if !s.awaitingCompletion() {
			return action{}
		}
		return s.advance()

	case codeServerChallenge:
		// No SMTP AUTH support.
		return action{}

	case codeStartMailInput:
		if s.lastSent != "DATA" {
			return s.fail(&ProtocolError{Code: r.Code, Message: "unexpected reply: " + r.Text(), Command: s.lastSent})
		}
		s.state = stateSendingBody
		return action{body: true}
	}
	return action{}
}

// awaitingCompletion reports whether a 2xx completion reply answers a
// command the session sent. Before the greeting and while the STARTTLS
// reply is pending such replies are ignored.
func (s *session) awaitingCompletion() bool {
	switch s.state {
	case stateConnecting, stateAwaitingGreeting, stateTLSUpgrade:
		return false
	}
	return true
}

// advance sends the command at the cursor. Nothing is sent once the cursor
// reaches the empty terminator entry.
func (s *session) advance() action {
	if s.cursor >= len(s.queue) || s.queue[s.cursor] == "" {
		return action{}
	}
	cmd := s.queue[s.cursor]
	s.cursor++
	switch cmd {
	case "QUIT":
		s.state = stateAwaitingBye
	default:
		s.state = stateTransacting
	}
	return s.emit(action{}, cmd)
}

func (s *session) emit(a action, cmd string) action {
	s.lastSent = cmd
	a.send = append(a.send, cmd)
	return a
}

func (s *session) fail(err error) action {
	s.state = stateFailed
	return action{err: err}
}
