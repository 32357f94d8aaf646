package kfmt

// Level describes the severity of a log line.
type Level uint8

// The supported log levels, from the most to the least severe.
const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

var (
	levelNames = [...]string{
		LevelError: "error",
		LevelWarn:  "warn",
		LevelInfo:  "info",
		LevelDebug: "debug",
		LevelTrace: "trace",
	}

	// activeLevel is the least severe level that still gets printed.
	activeLevel = LevelInfo
)

// String implements fmt.Stringer for Level.
func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "unknown"
}

// ParseLevel maps a level name (as passed via the loglevel= boot argument)
// to a Level. It returns false if the name is not recognized.
func ParseLevel(name string) (Level, bool) {
	for lvl, lvlName := range levelNames {
		if lvlName == name {
			return Level(lvl), true
		}
	}
	return LevelInfo, false
}

// SetLogLevel sets the least severe level that Logf prints.
func SetLogLevel(l Level) {
	activeLevel = l
}

// LogLevel returns the currently active log level.
func LogLevel() Level {
	return activeLevel
}

// Logf prints a "[level] message" line to the attached sinks if level is at
// least as severe as the active log level. A trailing newline is always
// emitted. Logf does not allocate and can be used before the heap is ready,
// but must never be called while holding a memory subsystem lock.
func Logf(level Level, format string, args ...interface{}) {
	if level > activeLevel {
		return
	}

	Printf("[%s] ", levelNames[level])
	Printf(format, args...)
	Printf("\n")
}
