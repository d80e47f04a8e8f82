package messaging

import (
	"github.com/ternarybob/arbor"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// waLogger routes whatsmeow logging into arbor, one level quieter than
// whatsmeow asks for
type waLogger struct {
	logger arbor.ILogger
	module string
}

func newWALogger(logger arbor.ILogger, module string) waLog.Logger {
	return &waLogger{logger: logger, module: module}
}

func (l *waLogger) Errorf(msg string, args ...interface{}) {
	l.logger.Error().Str("module", l.module).Msgf(msg, args...)
}

func (l *waLogger) Warnf(msg string, args ...interface{}) {
	l.logger.Warn().Str("module", l.module).Msgf(msg, args...)
}

func (l *waLogger) Infof(msg string, args ...interface{}) {
	l.logger.Debug().Str("module", l.module).Msgf(msg, args...)
}

func (l *waLogger) Debugf(msg string, args ...interface{}) {
	l.logger.Trace().Str("module", l.module).Msgf(msg, args...)
}

func (l *waLogger) Sub(module string) waLog.Logger {
	return &waLogger{logger: l.logger, module: l.module + "/" + module}
}
