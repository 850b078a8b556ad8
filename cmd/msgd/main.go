package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/daemon"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	userFlag := flag.String("user", "", "authenticated user id (overrides settings.toml)")
	remoteFlag := flag.String("remote", "", "remote store url (overrides settings.toml)")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			ProfileName: profileName,
			UserID:      *userFlag,
			RemoteURL:   *remoteFlag,
		}),
	)

	app.Run()
}
