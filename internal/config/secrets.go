package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	out.Redis = cfg.Redis
	redact(&out.Redis.Password)

	out.Server = cfg.Server
	redact(&out.Server.APIKey)

	out.Account = cfg.Account
	redact(&out.Account.Password)
	redact(&out.Account.CredsPassword)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = make([]string, len(cfg.Server.CORSOrigins))
		copy(out.Server.CORSOrigins, cfg.Server.CORSOrigins)
	}

	return out
}

// redact overwrites a non-empty string in place.
func redact(s *string) {
	if *s != "" {
		*s = "***"
	}
}
