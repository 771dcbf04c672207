package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/reploid-ai/rdrr/logutil"
)

var (
	// Set via RDRR_DEBUG in the environment. 1 enables debug logging,
	// 2 (or "trace") enables trace logging.
	Debug bool
	Trace bool
	// Set via RDRR_NOPROGRESS in the environment
	NoProgress bool
	// Set via RDRR_TMPDIR in the environment
	TmpDir string
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"RDRR_DEBUG":      {"RDRR_DEBUG", Debug, "Show additional debug information (RDRR_DEBUG=1, RDRR_DEBUG=2 for trace)"},
		"RDRR_NOPROGRESS": {"RDRR_NOPROGRESS", NoProgress, "Disable progress bars"},
		"RDRR_TMPDIR":     {"RDRR_TMPDIR", TmpDir, "Location for temporary files during conversion"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// LogLevel maps the RDRR_DEBUG setting onto a slog level.
func LogLevel() slog.Level {
	switch {
	case Trace:
		return logutil.LevelTrace
	case Debug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	if debug := clean("RDRR_DEBUG"); debug != "" {
		switch strings.ToLower(debug) {
		case "2", "trace":
			Debug, Trace = true, true
		default:
			d, err := strconv.ParseBool(debug)
			if err == nil {
				Debug = d
			} else {
				Debug = true
			}
		}
	}

	if noprogress := clean("RDRR_NOPROGRESS"); noprogress != "" {
		d, err := strconv.ParseBool(noprogress)
		if err == nil {
			NoProgress = d
		} else {
			NoProgress = true
		}
	}

	TmpDir = clean("RDRR_TMPDIR")
}
