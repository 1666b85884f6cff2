package profile

import "github.com/matheus3301/atlas/internal/config"

const DefaultProfileName = "main"

// Resolve determines the active profile name using precedence:
// 1. flagOverride (--profile flag)
// 2. the configured default_profile (config.toml or ATLAS_PROFILE)
// 3. "main"
func Resolve(flagOverride string, cfg *config.Config) string {
	if flagOverride != "" {
		return flagOverride
	}
	if cfg != nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultProfileName
}
