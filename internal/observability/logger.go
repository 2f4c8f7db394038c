package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger tags the configured global logger with the app name and p2p
// identity and installs it back as the global logger.
func InitLogger(app string, p2pID string) zerolog.Logger {
	logger := log.Logger.With().Str("app", app).Str("p2p_id", p2pID).Logger()
	log.Logger = logger
	return logger
}
