// Package kdclog is the KDC's logger: every line belongs to an area and a
// verbosity level, and both can be filtered.
package kdclog

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Area identifies the part of the KDC a line comes from.
type Area int

const (
	AreaGeneral Area = iota
	AreaDispatch
	AreaAS
	AreaTGS
	AreaKeys
	AreaTransport
	AreaDB
)

var areaNames = [...]string{
	AreaGeneral:   "general",
	AreaDispatch:  "dispatch",
	AreaAS:        "as",
	AreaTGS:       "tgs",
	AreaKeys:      "keys",
	AreaTransport: "transport",
	AreaDB:        "db",
}

func (a Area) String() string {
	if a >= 0 && int(a) < len(areaNames) {
		return areaNames[a]
	}
	return fmt.Sprintf("area%d", int(a))
}

// ParseArea maps a configuration name to an Area.
func ParseArea(name string) (Area, error) {
	for i, n := range areaNames {
		if strings.EqualFold(n, name) {
			return Area(i), nil
		}
	}
	return 0, fmt.Errorf("kdclog: unknown area %q", name)
}

// Verbosity levels.
const (
	LevelError = iota
	LevelInfo
	LevelDebug
	LevelTrace
)

// Logger writes area-tagged lines. Configure it before use; the filters are
// not guarded against concurrent change. A nil *Logger discards everything.
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	verbosity int
	areas     map[Area]bool // nil means all areas
}

// New creates a logger at info verbosity. A nil output disables logging.
func New(output io.Writer) *Logger {
	return &Logger{output: output, verbosity: LevelInfo}
}

// SetVerbosity sets the verbosity level (0-3).
func (l *Logger) SetVerbosity(level int) {
	l.verbosity = level
}

// EnableArea restricts output to the enabled areas.
func (l *Logger) EnableArea(area Area) {
	if l.areas == nil {
		l.areas = make(map[Area]bool)
	}
	l.areas[area] = true
}

func (l *Logger) DisableArea(area Area) {
	if l.areas == nil {
		l.areas = make(map[Area]bool)
		for i := range areaNames {
			l.areas[Area(i)] = true
		}
	}
	delete(l.areas, area)
}

// Enabled reports whether a line at level in area would be written.
func (l *Logger) Enabled(area Area, level int) bool {
	if l == nil || l.output == nil || level > l.verbosity {
		return false
	}
	return l.areas == nil || l.areas[area]
}

func (l *Logger) log(area Area, level int, format string, args ...any) {
	if !l.Enabled(area, level) {
		return
	}
	line := fmt.Sprintf("%s [%s] %s\n", time.Now().Format("2006/01/02 15:04:05"), area, fmt.Sprintf(format, args...))
	l.mu.Lock()
	io.WriteString(l.output, line)
	l.mu.Unlock()
}

// Errorf logs at every verbosity.
func (l *Logger) Errorf(area Area, format string, args ...any) {
	l.log(area, LevelError, format, args...)
}

func (l *Logger) Printf(area Area, format string, args ...any) {
	l.log(area, LevelInfo, format, args...)
}

func (l *Logger) Debugf(area Area, format string, args ...any) {
	l.log(area, LevelDebug, format, args...)
}

func (l *Logger) Tracef(area Area, format string, args ...any) {
	l.log(area, LevelTrace, format, args...)
}
