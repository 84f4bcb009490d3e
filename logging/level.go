package logging

import (
	"log/slog"
	"strings"
)

// Level names the host uses that slog does not know.
var levelAliases = map[string]string{
	"TRACE":    "DEBUG",
	"WARNING":  "WARN",
	"CRITICAL": "ERROR",
	"FATAL":    "ERROR",
}

// ParseLevel reads a level as written in the add-on options or a log query.
// Besides the slog names, optionally with an offset like "debug+2", it takes
// the host names listed in levelAliases. ok is false for anything else.
func ParseLevel(name string) (level slog.Level, ok bool) {
	s := strings.ToUpper(strings.TrimSpace(name))
	if alias, found := levelAliases[s]; found {
		s = alias
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, false
	}
	return level, true
}

// LevelFromString is ParseLevel for an optional setting. Missing and unknown
// names mean info.
func LevelFromString(str *string) slog.Level {
	if str == nil {
		return slog.LevelInfo
	}
	level, _ := ParseLevel(*str)
	return level
}
