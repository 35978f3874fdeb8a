// Package main provides a one-shot utility for caller grant keys.
//
// Without flags it emits a fresh keypair. With -caller it mints a signed
// grant token using the private key from the environment.
package main

import (
	"flag"
	"os"
	"time"

	"github.com/clawos/skillmarket/internal/platform/config"
	"github.com/clawos/skillmarket/internal/tools/grantkey"
)

func main() {
	caller := flag.String("caller", "", "mint a grant token for this address instead of generating keys")
	issuer := flag.String("issuer", "skillmarket", "grant issuer claim")
	audience := flag.String("audience", "market", "grant audience claim")
	ttl := flag.Duration("ttl", 5*time.Minute, "grant lifetime")
	flag.Parse()

	if *caller == "" {
		if err := grantkey.Run(os.Stdout, nil); err != nil {
			config.Exitf("generate grant key: %v", err)
		}
		return
	}

	err := grantkey.Mint(os.Stdout, grantkey.MintOptions{
		PrivateKey: os.Getenv("SKILLMARKET_GRANT_PRIVATE_KEY"),
		Issuer:     *issuer,
		Audience:   *audience,
		Caller:     *caller,
		TTL:        *ttl,
	})
	if err != nil {
		config.Exitf("mint grant: %v", err)
	}
}
