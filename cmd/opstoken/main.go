// Command opstoken mints a bearer token for the ops API using the same
// OPS_JWT_* settings the server reads.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	jwttoken "consentline/internal/jwt_token"
	"consentline/internal/platform/config"
)

func main() {
	operator := flag.String("operator", "", "operator identity recorded as the token subject")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	if *operator == "" {
		fmt.Fprintln(os.Stderr, "opstoken: -operator is required")
		os.Exit(2)
	}

	cfg := config.FromEnv()
	svc := jwttoken.NewJWTService(cfg.Server.OpsJWTKey, cfg.Server.OpsJWTIssuer, jwttoken.OpsAudience)
	token, err := svc.GenerateOperatorToken(*operator, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opstoken: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
