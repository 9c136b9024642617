package build

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"
)

// NewSubLogger constructs a new subsystem logger from the given sublogger
// constructor. If no constructor is provided, logging for the subsystem is
// disabled until the host application installs one via the package's
// UseLogger function.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	if genSubLogger != nil {
		return genSubLogger(subsystem)
	}

	return btclog.Disabled
}

// NewConsoleHandler returns a btclog handler that writes timestamped records
// to stdout. Host applications that don't bring their own backend can use
// this with SubLoggerManager to get output from all subsystems.
func NewConsoleHandler() btclogv2.Handler {
	return btclogv2.NewDefaultHandler(os.Stdout)
}

// SubLoggers is a type that holds a map of subsystem loggers keyed by their
// subsystem name.
type SubLoggers map[string]btclog.Logger

// SubLoggerManager wraps a set of subsystem loggers sharing one handler and
// allows their levels to be queried and changed at run time.
type SubLoggerManager struct {
	handler btclogv2.Handler
	loggers SubLoggers
}

// NewSubLoggerManager constructs a manager that hands out subsystem loggers
// backed by the given handler.
func NewSubLoggerManager(handler btclogv2.Handler) *SubLoggerManager {
	return &SubLoggerManager{
		handler: handler,
		loggers: make(SubLoggers),
	}
}

// GenSubLogger returns a constructor suitable for passing to each package's
// UseLogger wiring. Loggers are registered with the manager as they are
// created.
func (m *SubLoggerManager) GenSubLogger() func(string) btclog.Logger {
	return func(subsystem string) btclog.Logger {
		logger := btclogv2.NewSLogger(m.handler.SubSystem(subsystem))
		m.loggers[subsystem] = logger

		return logger
	}
}

// SubLoggers returns the map of all registered subsystem loggers.
func (m *SubLoggerManager) SubLoggers() SubLoggers {
	return m.loggers
}

// SupportedSubsystems returns a sorted slice of the names of all registered
// subsystems.
func (m *SubLoggerManager) SupportedSubsystems() []string {
	subsystems := make([]string, 0, len(m.loggers))
	for subsystem := range m.loggers {
		subsystems = append(subsystems, subsystem)
	}

	sort.Strings(subsystems)

	return subsystems
}

// SetLogLevel assigns an individual subsystem logger a new log level.
func (m *SubLoggerManager) SetLogLevel(subsystemID string, logLevel string) {
	logger, ok := m.loggers[subsystemID]
	if !ok {
		return
	}

	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels assigns all subsystem loggers the same new log level.
func (m *SubLoggerManager) SetLogLevels(logLevel string) {
	level, _ := btclog.LevelFromString(logLevel)
	for _, logger := range m.loggers {
		logger.SetLevel(level)
	}
}

// ParseAndSetDebugLevels attempts to parse the specified debug level spec and
// set the levels accordingly on the given manager. The spec is either a bare
// level applied to every subsystem, or a comma separated list of
// subsystem=level pairs. An appropriate error is returned if anything is
// invalid.
func ParseAndSetDebugLevels(level string, m *SubLoggerManager) error {
	levels := strings.Split(level, ",")
	if len(levels) == 0 {
		return fmt.Errorf("invalid log level: %v", level)
	}

	// If the first entry has no =, treat it as the log level for all
	// subsystems.
	globalLevel := levels[0]
	if !strings.Contains(globalLevel, "=") {
		if !validLogLevel(globalLevel) {
			return fmt.Errorf("the specified debug level [%v] "+
				"is invalid", globalLevel)
		}

		m.SetLogLevels(globalLevel)
		levels = levels[1:]
	}

	for _, pair := range levels {
		fields := strings.Split(pair, "=")
		if len(fields) != 2 {
			return fmt.Errorf("the specified debug level has an "+
				"invalid subsystem/level pair [%v]", pair)
		}

		subsystem, subsystemLevel := fields[0], fields[1]
		if !validLogLevel(subsystemLevel) {
			return fmt.Errorf("the specified debug level [%v] "+
				"is invalid", subsystemLevel)
		}

		m.SetLogLevel(subsystem, subsystemLevel)
	}

	return nil
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical", "off":
		return true
	}

	return false
}
