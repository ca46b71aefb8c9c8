package config

import (
	"fmt"
	"regexp"
)

const DefaultSessionName = "main"

var sessionNameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ResolveSession determines the active session name using precedence:
// 1. flagOverride (--session flag)
// 2. config.toml default_session
// 3. "main"
func ResolveSession(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := Load(Path())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}

// ValidateSessionName checks that name conforms to session naming rules.
func ValidateSessionName(name string) error {
	if !sessionNameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}
