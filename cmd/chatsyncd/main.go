package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/pairloop/chatsync/internal/account"
	"github.com/pairloop/chatsync/internal/config"
	"github.com/pairloop/chatsync/internal/daemon"
)

func main() {
	accountFlag := flag.String("account", "", "account id (overrides config default)")
	serverFlag := flag.String("server", "", "REST base URL (overrides config)")
	socketFlag := flag.String("socket", "", "websocket URL (overrides config)")
	flag.Parse()

	accountID := account.Resolve(*accountFlag)
	if err := account.ValidateID(accountID); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	params := daemon.Params{Account: accountID}
	if cfg, err := config.Load(account.ConfigPath()); err == nil {
		params.ServerURL = cfg.ServerURL
		params.SocketURL = cfg.SocketURL
		params.AuthToken = cfg.AuthToken
	}
	if *serverFlag != "" {
		params.ServerURL = *serverFlag
	}
	if *socketFlag != "" {
		params.SocketURL = *socketFlag
	}
	if params.ServerURL == "" || params.SocketURL == "" {
		fmt.Fprintln(os.Stderr, "error: server_url and socket_url must be set in config.toml or via flags")
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(params),
	)

	app.Run()
}
