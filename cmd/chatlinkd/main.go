package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pairup/chatlink/internal/daemon"
	"github.com/pairup/chatlink/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	userFlag := flag.String("user", os.Getenv("CHATLINK_USER_ID"), "user id to connect as")
	tokenFlag := flag.String("token", os.Getenv("CHATLINK_TOKEN"), "auth token")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName: sessionName,
			UserID:      *userFlag,
			Token:       *tokenFlag,
		}),
	)

	app.Run()
}
