package main

import (
	"log/slog"

	"github.com/arcline/chat-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	// Warn if the per-event frame cap is unusually large, since it weakens the
	// relay's oversized message DoS hardening.
	if cfg.MaxEventBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_EVENT_BYTES is very large (increases per-event allocation risk)",
			"warning_code", "max_event_bytes_large",
			"max_event_bytes", cfg.MaxEventBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxEventsPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_EVENTS_PER_SECOND is unset/0 (per-connection rate limiting disabled)",
			"warning_code", "event_rate_limit_disabled",
			"max_events_per_second", cfg.MaxEventsPerSecond,
			"mode", cfg.Mode,
		)
	}

	// Static TURN credentials baked into config end up served verbatim from
	// /webrtc/ice. TURN REST ephemeral credentials avoid that.
	if cfg.Mode == config.ModeProd && !cfg.TURNREST.Enabled() && hasStaticTURNCredential(cfg) {
		logger.Warn("startup security warning: static TURN credentials configured without TURN_REST_SHARED_SECRET (long-lived secret exposed to every client)",
			"warning_code", "static_turn_credentials_in_prod",
			"mode", cfg.Mode,
		)
	}
}

func hasStaticTURNCredential(cfg config.Config) bool {
	for _, s := range cfg.ICEServers {
		if s.Credential != nil {
			return true
		}
	}
	return false
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
