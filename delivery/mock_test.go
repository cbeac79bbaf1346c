package delivery

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

type receivedCommand struct {
	line string
	tls  bool
}

// mockServer is a scripted SMTP server accepting every step of a
// transaction unless configured otherwise.
type mockServer struct {
	ln net.Listener

	greeting  string
	rejectAt  string      // Upper-case command prefix answered with 550.
	tlsConfig *tls.Config // Advertise STARTTLS and upgrade when set.
	brokenTLS bool        // Accept STARTTLS, then answer the handshake with garbage.
	silent    bool        // Accept the connection but never send a greeting.

	mu       sync.Mutex
	commands []receivedCommand
	messages []string
}

func newMockServer(t *testing.T) *mockServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	m := &mockServer{ln: ln, greeting: "220 mx.test ESMTP ready"}
	t.Cleanup(func() { ln.Close() })
	return m
}

func (m *mockServer) addr() string {
	return m.ln.Addr().String()
}

func (m *mockServer) start() {
	go func() {
		for {
			conn, err := m.ln.Accept()
			if err != nil {
				return
			}
			go m.handle(conn)
		}
	}()
}

func (m *mockServer) record(line string, tlsActive bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, receivedCommand{line: line, tls: tlsActive})
}

func (m *mockServer) received() []receivedCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]receivedCommand(nil), m.commands...)
}

func (m *mockServer) commandLines() []string {
	var lines []string
	for _, c := range m.received() {
		lines = append(lines, c.line)
	}
	return lines
}

func (m *mockServer) bodies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.messages...)
}

func (m *mockServer) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	if m.silent {
		io.Copy(io.Discard, conn)
		return
	}

	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)
	tlsActive := false
	reply := func(lines ...string) {
		for _, l := range lines {
			bw.WriteString(l + "\r\n")
		}
		bw.Flush()
	}
	ehlo := func() {
		if m.tlsConfig != nil && !tlsActive || m.brokenTLS {
			reply("250-mx.test greets you", "250-STARTTLS", "250 8BITMIME")
			return
		}
		reply("250-mx.test greets you", "250 8BITMIME")
	}

	reply(m.greeting)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		m.record(line, tlsActive)
		upper := strings.ToUpper(line)

		if m.rejectAt != "" && strings.HasPrefix(upper, m.rejectAt) {
			reply("550 5.1.1 mailbox unavailable")
			continue
		}

		switch {
		case strings.HasPrefix(upper, "EHLO "):
			ehlo()
		case strings.HasPrefix(upper, "HELO "):
			reply("250 mx.test")
		case upper == "STARTTLS" && m.brokenTLS:
			reply("220 2.0.0 ready to start TLS")
			// Wait for the ClientHello, then answer with something that is not TLS.
			if _, err := br.Peek(1); err != nil {
				return
			}
			conn.Write([]byte("HELLO"))
			for {
				line, err := br.ReadString('\n')
				if err != nil {
					return
				}
				if i := strings.Index(line, "EHLO "); i >= 0 {
					m.record(strings.TrimRight(line[i:], "\r\n"), false)
					reply("250-mx.test greets you", "250 8BITMIME")
					break
				}
			}
		case upper == "STARTTLS" && m.tlsConfig != nil:
			reply("220 2.0.0 ready to start TLS")
			tc := tls.Server(conn, m.tlsConfig)
			if err := tc.Handshake(); err != nil {
				return
			}
			tlsActive = true
			br = bufio.NewReader(tc)
			bw = bufio.NewWriter(tc)
		case strings.HasPrefix(upper, "MAIL FROM:"), strings.HasPrefix(upper, "RCPT TO:"):
			reply("250 2.1.0 OK")
		case upper == "DATA":
			reply("354 End data with <CR><LF>.<CR><LF>")
			var data strings.Builder
			for {
				l, err := br.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				data.WriteString(l)
			}
			m.mu.Lock()
			m.messages = append(m.messages, data.String())
			m.mu.Unlock()
			reply("250 2.0.0 queued")
		case upper == "QUIT":
			reply("221 2.0.0 Bye")
			return
		default:
			reply("502 5.5.2 command not recognized")
		}
	}
}

// closedAddr returns an address on which connections are refused.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// routeDialer maps MX host names to local listener addresses. Unknown hosts
// are refused.
func routeDialer(routes map[string]string, dialed *[]string, mu *sync.Mutex) DialFunc {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return nil, err
		}
		if dialed != nil {
			mu.Lock()
			*dialed = append(*dialed, host)
			mu.Unlock()
		}
		target, ok := routes[host]
		if !ok {
			return nil, &net.OpError{Op: "dial", Net: network, Err: syscallRefused{}}
		}
		var d net.Dialer
		return d.DialContext(ctx, network, target)
	}
}

type syscallRefused struct{}

func (syscallRefused) Error() string { return "connection refused" }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func generateTestCert(t *testing.T) tls.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mx.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"mx.test", "localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}

	return tls.Certificate{
		Certificate: [][]byte{certBytes},
		PrivateKey:  key,
	}
}
