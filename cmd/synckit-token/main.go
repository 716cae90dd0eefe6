// synckit-token mints development tokens for a synckit-server using the
// same JWT_SECRET and JWT_EXPIRATION_HOURS configuration as the server.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/Dancode-188/synckit/internal/auth"
	"github.com/Dancode-188/synckit/internal/config"
)

func main() {
	userID := flag.String("user", "", "user id claim")
	email := flag.String("email", "", "optional email claim")
	read := flag.String("read", "*", "comma-separated readable document ids")
	write := flag.String("write", "*", "comma-separated writable document ids")
	admin := flag.Bool("admin", false, "grant the admin flag")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: synckit-token -user <id> [-email ...] [-read a,b] [-write a,b] [-admin]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	perms := auth.Permissions{
		CanRead:  splitList(*read),
		CanWrite: splitList(*write),
		IsAdmin:  *admin,
	}

	access, err := auth.GenerateAccessToken(*userID, *email, perms, cfg.JWTSecret, cfg.AccessTokenTTL())
	if err != nil {
		fmt.Fprintln(os.Stderr, "access token:", err)
		os.Exit(1)
	}
	refresh, err := auth.GenerateRefreshToken(*userID, cfg.JWTSecret, auth.DefaultRefreshTokenTTL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "refresh token:", err)
		os.Exit(1)
	}

	fmt.Println("access: ", access)
	fmt.Println("refresh:", refresh)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
