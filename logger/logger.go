package logger

import (
	"go.uber.org/zap"

	"github.com/patent-drafter/reqcore/types"
)

var customLoggerCreators = make(map[string]types.LoggerCreator)

func RegisterLogger(loggerName string, creator types.LoggerCreator) {
	customLoggerCreators[loggerName] = creator
}

func New(loggerConfig *types.LoggerConfig) (types.Logger, error) {
	if loggerConfig == nil {
		return nil, types.ErrLoggerConfigInvalid
	}

	loggerName := "default"
	if loggerConfig.Type != "" {
		loggerName = loggerConfig.Type
	}

	switch loggerName {
	case "default":
		return NewDefaultLogger(loggerConfig)
	case "nop":
		return NewNop(), nil
	default:
		if creator, exists := customLoggerCreators[loggerName]; exists {
			return creator(loggerConfig.Config)
		}
		return nil, types.Errorf(types.ErrLoggerTypeUnknown, "logger type: %s", loggerName)
	}
}

// NewNop returns a logger that drops everything. Used by tests.
func NewNop() types.Logger {
	return NewZapWrapper(zap.NewNop())
}

// Sync flushes buffered entries when the logger supports it.
func Sync(l types.Logger) {
	if syncer, ok := l.(interface{ Sync() error }); ok {
		_ = syncer.Sync()
	}
}
