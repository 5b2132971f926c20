package engine

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/mpataki/foreman/internal/models"
)

var telemetryLine = regexp.MustCompile(`^\s*\[telemetry\]\s+(.*)$`)

// ParseTelemetryLine recognizes lines of the form
//
//	[telemetry] tokens_in=120 tokens_out=45 cached_tokens=10 cost=0.0031
//
// Unknown keys and malformed values are ignored.
func ParseTelemetryLine(line string) (models.Telemetry, bool) {
	m := telemetryLine.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if m == nil {
		return models.Telemetry{}, false
	}

	var t models.Telemetry
	found := false
	for _, field := range strings.Fields(m[1]) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "tokens_in":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				t.TokensIn, found = n, true
			}
		case "tokens_out":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				t.TokensOut, found = n, true
			}
		case "cached_tokens":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				t.CachedTokens, found = n, true
			}
		case "cost":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				t.Cost, found = f, true
			}
		}
	}
	return t, found
}
