// chatsyncctl inspects and drives a local chatsync account store. It reads
// the same sqlite database the daemon writes; queued sends are picked up by
// the daemon's outbox drain.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pairloop/chatsync/internal/account"
	"github.com/pairloop/chatsync/internal/store"
)

var (
	accountFlag string
	jsonFlag    bool
)

func main() {
	root := &cobra.Command{
		Use:           "chatsyncctl",
		Short:         "inspect and drive a chatsync account",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&accountFlag, "account", "", "account id (overrides config default)")
	root.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")

	root.AddCommand(
		newChatsCmd(),
		newMessagesCmd(),
		newSendCmd(),
		newClearCmd(),
		newStatusCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// resolveAccount applies the flag > config precedence and validates the id.
func resolveAccount() (string, error) {
	id := account.Resolve(accountFlag)
	if err := account.ValidateID(id); err != nil {
		return "", err
	}
	return id, nil
}

// openStore opens the account database read-write. The daemon and ctl share
// it through sqlite WAL.
func openStore() (*store.DB, string, error) {
	id, err := resolveAccount()
	if err != nil {
		return nil, "", err
	}
	db, err := store.Open(account.DBPath(id))
	if err != nil {
		return nil, "", fmt.Errorf("open store for account %s: %w", id, err)
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, "", err
	}
	return db, id, nil
}
