package logx

import "strings"

var levelNames = map[string]Level{
	"trace":    LevelTrace,
	"debug":    LevelDebug,
	"info":     LevelInfo,
	"warn":     LevelWarn,
	"warning":  LevelWarn,
	"error":    LevelError,
	"off":      LevelOff,
	"none":     LevelOff,
	"disabled": LevelOff,
}

// ParseLevel maps a config level name to a Level; unknown names yield def.
func ParseLevel(s string, def Level) Level {
	if lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl
	}
	return def
}
