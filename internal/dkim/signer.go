package dkim

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"strings"

	msgauthdkim "github.com/emersion/go-msgauth/dkim"

	"maildove/internal/config"
	"maildove/internal/email"
)

// Signer computes DKIM-Signature header fields for outgoing messages.
type Signer struct {
	domain     string
	selector   string
	key        crypto.Signer
	headerKeys []string
}

// LoadFromConfig initializes a Signer from the dkim configuration section.
// It returns a nil Signer when signing is disabled.
func LoadFromConfig(c config.DKIMConfig) (*Signer, error) {
	if !c.Enabled {
		return nil, nil
	}
	selector := strings.TrimSpace(c.Selector)
	if selector == "" {
		return nil, fmt.Errorf("dkim: selector is required when enabling DKIM")
	}

	var pemData []byte
	switch {
	case c.PrivateKey != "":
		pemData = []byte(c.PrivateKey)
	case c.PrivateKeyPath != "":
		data, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("dkim: read private key: %w", err)
		}
		pemData = data
	default:
		return nil, fmt.Errorf("dkim: provide private_key_path or private_key")
	}

	key, err := parsePrivateKey(pemData)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse private key: %w", err)
	}

	return &Signer{
		domain:   strings.ToLower(strings.TrimSpace(c.Domain)),
		selector: selector,
		key:      key,
		headerKeys: []string{
			"from",
			"to",
			"cc",
			"subject",
			"date",
			"mime-version",
			"content-type",
			"message-id",
		},
	}, nil
}

// Signature returns the DKIM-Signature header field for message, without
// the trailing CRLF, ready to be prepended to the message. An empty string
// is returned when s is nil or the message already carries a signature.
func (s *Signer) Signature(message []byte, from string) (string, error) {
	if s == nil || s.key == nil {
		return "", nil
	}
	if hasSignature(message) {
		return "", nil
	}

	domain := s.domain
	if domain == "" {
		domain = signingDomain(from)
	}
	if domain == "" {
		return "", fmt.Errorf("dkim: unable to determine signing domain")
	}

	opts := &msgauthdkim.SignOptions{
		Domain:                 domain,
		Selector:               s.selector,
		Signer:                 s.key,
		HeaderCanonicalization: msgauthdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgauthdkim.CanonicalizationRelaxed,
		HeaderKeys:             s.headerKeys,
	}

	signer, err := msgauthdkim.NewSigner(opts)
	if err != nil {
		return "", fmt.Errorf("dkim: signing failed: %w", err)
	}
	if _, err := io.Copy(signer, bytes.NewReader(NormalizeLineEndings(message))); err != nil {
		signer.Close()
		return "", fmt.Errorf("dkim: signing failed: %w", err)
	}
	if err := signer.Close(); err != nil {
		return "", fmt.Errorf("dkim: signing failed: %w", err)
	}
	return strings.TrimRight(signer.Signature(), "\r\n"), nil
}

// parsePrivateKey returns the first RSA or Ed25519 private key in pemData.
func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	for block, rest := pem.Decode(pemData); block != nil; block, rest = pem.Decode(rest) {
		var key any
		var err error
		switch block.Type {
		case "RSA PRIVATE KEY":
			key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		switch k := key.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case ed25519.PrivateKey:
			return k, nil
		default:
			return nil, fmt.Errorf("unsupported private key type %T", key)
		}
	}
	return nil, fmt.Errorf("no private key found in PEM data")
}

// signingDomain is the domain of the sender mailbox, IDNA normalised.
func signingDomain(from string) string {
	addr, err := email.ParseAddress(from)
	if err != nil {
		return ""
	}
	return addr.Domain
}

// hasSignature reports whether the header section already carries a
// DKIM-Signature field.
func hasSignature(message []byte) bool {
	header := message
	if i := bytes.Index(message, []byte("\r\n\r\n")); i >= 0 {
		header = message[:i+2]
	} else if i := bytes.Index(message, []byte("\n\n")); i >= 0 {
		header = message[:i+1]
	}
	for _, line := range bytes.Split(header, []byte{'\n'}) {
		name, _, ok := bytes.Cut(line, []byte{':'})
		if ok && strings.EqualFold(strings.TrimSpace(string(name)), "DKIM-Signature") {
			return true
		}
	}
	return false
}

// NormalizeLineEndings converts bare LF and mixed line endings to CRLF.
func NormalizeLineEndings(data []byte) []byte {
	if !bytes.Contains(data, []byte{'\n'}) {
		return data
	}
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte{'\n'})
	return bytes.ReplaceAll(data, []byte{'\n'}, []byte("\r\n"))
}
