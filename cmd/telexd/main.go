package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/telex-im/telex/internal/app"
	"github.com/telex-im/telex/internal/config"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	flag.Parse()

	sessionName := config.ResolveSession(*sessionFlag)
	if err := config.ValidateSessionName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fx.New(
		app.Module(app.Params{SessionName: sessionName}),
	).Run()
}
