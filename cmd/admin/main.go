package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"resourceisland/internal/auth"
)

func main() {
	_ = godotenv.Load()
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "token":
			tokenCmd(os.Args[2:])
			return
		case "cmd":
			commandCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "sessions":
			sessionsCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		}
	}
	fmt.Fprintln(os.Stderr, "usage: admin token|cmd|state|sessions|db [flags]")
	os.Exit(2)
}

func tokenCmd(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	secret := fs.String("secret", "", "signing secret (default: $ISLAND_ADMIN_SECRET)")
	subject := fs.String("sub", "operator", "token subject")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	_ = fs.Parse(args)

	s := strings.TrimSpace(*secret)
	if s == "" {
		s = strings.TrimSpace(os.Getenv("ISLAND_ADMIN_SECRET"))
	}
	v, err := auth.NewVerifier(s)
	if err != nil {
		fmt.Fprintln(os.Stderr, "verifier:", err)
		os.Exit(2)
	}
	tok, err := v.Mint(*subject, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mint:", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
