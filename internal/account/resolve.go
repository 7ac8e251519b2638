package account

import "github.com/pairloop/chatsync/internal/config"

// Resolve determines the active account id using precedence:
// 1. flagOverride (--account flag)
// 2. config.toml default_account
// Returns "" when neither is set; callers must treat that as an error.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultAccount != "" {
		return cfg.DefaultAccount
	}
	return ""
}
