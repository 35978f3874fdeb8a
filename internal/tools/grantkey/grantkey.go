// Package grantkey generates caller grant keys and mints grant tokens.
package grantkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/clawos/skillmarket/internal/market/domain"
	"github.com/clawos/skillmarket/internal/market/grant"
)

// Run generates a caller grant key pair and writes exports.
func Run(out io.Writer, reader io.Reader) error {
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}
	publicKey, privateKey, err := ed25519.GenerateKey(reader)
	if err != nil {
		return fmt.Errorf("generate grant key: %w", err)
	}
	if _, err := fmt.Fprintf(out, "export SKILLMARKET_GRANT_PRIVATE_KEY=%s\n", base64.RawStdEncoding.EncodeToString(privateKey)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "export SKILLMARKET_GRANT_PUBLIC_KEY=%s\n", base64.RawStdEncoding.EncodeToString(publicKey)); err != nil {
		return err
	}
	return nil
}

// MintOptions controls grant token minting.
type MintOptions struct {
	PrivateKey string
	Issuer     string
	Audience   string
	Caller     string
	TTL        time.Duration
}

// Mint signs a grant token for a caller and writes it.
func Mint(out io.Writer, opts MintOptions) error {
	if out == nil {
		return errors.New("output is required")
	}
	keyText := strings.TrimSpace(opts.PrivateKey)
	if keyText == "" {
		return errors.New("private key is required")
	}
	keyBytes, err := decodeBase64(keyText)
	if err != nil {
		return fmt.Errorf("decode private key: %w", err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return fmt.Errorf("private key must be %d bytes", ed25519.PrivateKeySize)
	}

	token, err := grant.Issue(ed25519.PrivateKey(keyBytes), grant.IssueOptions{
		Issuer:   opts.Issuer,
		Audience: opts.Audience,
		Caller:   domain.Address(strings.TrimSpace(opts.Caller)),
		TTL:      opts.TTL,
	})
	if err != nil {
		return fmt.Errorf("mint grant: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func decodeBase64(value string) ([]byte, error) {
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
