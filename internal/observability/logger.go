package observability

import (
	"github.com/danmuck/c3sync/internal/logging"
	"github.com/rs/zerolog"
)

// InitLogger configures the process logger and returns it tagged with app.
func InitLogger(app string) zerolog.Logger {
	logging.ConfigureRuntime()
	return logging.Component(app, "")
}
