// Command tokengen mints an operator bearer token for the turnstile API using
// the JWT_SECRET from the environment (or .env).
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/diagnosis/turnstile/pkg/auth"
	"github.com/diagnosis/turnstile/pkg/config"
)

func main() {
	sub := flag.String("sub", "", "operator id (required)")
	name := flag.String("name", "", "operator display name")
	role := flag.String("role", auth.RoleOperator, "operator or admin")
	ttl := flag.Duration("ttl", 0, "token lifetime (defaults to TOKEN_TTL)")
	flag.Parse()

	if *sub == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *role != auth.RoleOperator && *role != auth.RoleAdmin {
		fmt.Fprintf(os.Stderr, "unknown role %q\n", *role)
		os.Exit(2)
	}

	cfg := config.Load()
	if *ttl == 0 {
		*ttl = cfg.Auth.TokenTTL
	}
	tok, err := auth.NewOperatorToken(*sub, *name, *role, cfg.Auth.JWTSecret, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "signing token:", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
