package agent

import (
	"strconv"
	"strings"
)

// metricPoint is one parsed line of the text metrics exposition format.
type metricPoint struct {
	name   string
	labels map[string]string
	value  float64
}

// parseMetricsText parses `name{k="v",...} value` lines. Comment lines start
// with '#', blank lines are skipped, and malformed lines are dropped rather
// than failing the whole scrape. Values NaN, Inf and -Inf parse as such;
// trailing timestamps are ignored.
func parseMetricsText(body string) []metricPoint {
	var points []metricPoint
	for _, line := range strings.Split(body, "\n") {
		if p, ok := parseMetricLine(strings.TrimSpace(line)); ok {
			points = append(points, p)
		}
	}
	return points
}

func parseMetricLine(line string) (metricPoint, bool) {
	if line == "" || strings.HasPrefix(line, "#") {
		return metricPoint{}, false
	}

	i := 0
	for i < len(line) && isNameChar(line[i], i == 0) {
		i++
	}
	if i == 0 {
		return metricPoint{}, false
	}
	p := metricPoint{name: line[:i]}
	rest := line[i:]

	if strings.HasPrefix(rest, "{") {
		labels, remainder, ok := parseLabels(rest[1:])
		if !ok {
			return metricPoint{}, false
		}
		p.labels = labels
		rest = remainder
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return metricPoint{}, false
	}
	value, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return metricPoint{}, false
	}
	p.value = value
	return p, true
}

// parseLabels consumes a label set after the opening brace and returns the
// remainder of the line past the closing brace. Label values may contain
// escaped quotes, backslashes and newlines.
func parseLabels(s string) (map[string]string, string, bool) {
	labels := make(map[string]string)
	i := 0
	for {
		for i < len(s) && (s[i] == ' ' || s[i] == ',') {
			i++
		}
		if i >= len(s) {
			return nil, "", false
		}
		if s[i] == '}' {
			return labels, s[i+1:], true
		}

		start := i
		for i < len(s) && s[i] != '=' {
			i++
		}
		if i >= len(s) {
			return nil, "", false
		}
		key := strings.TrimSpace(s[start:i])
		i++
		if i >= len(s) || s[i] != '"' {
			return nil, "", false
		}
		i++

		var value strings.Builder
		closed := false
		for i < len(s) {
			c := s[i]
			if c == '\\' && i+1 < len(s) {
				switch s[i+1] {
				case 'n':
					value.WriteByte('\n')
				case '\\':
					value.WriteByte('\\')
				case '"':
					value.WriteByte('"')
				default:
					value.WriteByte(s[i+1])
				}
				i += 2
				continue
			}
			if c == '"' {
				i++
				closed = true
				break
			}
			value.WriteByte(c)
			i++
		}
		if !closed {
			return nil, "", false
		}
		labels[key] = value.String()
	}
}

func isNameChar(c byte, first bool) bool {
	if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_' || c == ':' {
		return true
	}
	return !first && c >= '0' && c <= '9'
}
