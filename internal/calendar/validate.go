package calendar

import (
	"fmt"
	"strings"
)

const maxLineOctets = 75

// ValidateICS checks the structure of a serialized calendar and returns every
// problem found. An empty result means the document is well formed.
func ValidateICS(data []byte) []string {
	var problems []string
	text := string(data)

	if !strings.HasPrefix(text, "BEGIN:VCALENDAR\r\n") {
		problems = append(problems, "document must start with BEGIN:VCALENDAR")
	}
	if !strings.HasSuffix(text, "END:VCALENDAR\r\n") {
		problems = append(problems, "document must end with END:VCALENDAR")
	}

	lines := strings.Split(strings.TrimSuffix(text, "\r\n"), "\r\n")
	var (
		hasVersion, hasProdID bool
		open                  int
	)
	for i, line := range lines {
		n := i + 1
		if strings.ContainsAny(line, "\r\n") {
			problems = append(problems, fmt.Sprintf("line %d: bare CR or LF", n))
		}
		if len(line) > maxLineOctets {
			problems = append(problems, fmt.Sprintf("line %d: %d octets exceeds %d", n, len(line), maxLineOctets))
		}
		switch {
		case strings.HasPrefix(line, "VERSION:"):
			hasVersion = strings.TrimPrefix(line, "VERSION:") == "2.0"
		case strings.HasPrefix(line, "PRODID:"):
			hasProdID = true
		case line == "BEGIN:VEVENT":
			if open > 0 {
				problems = append(problems, fmt.Sprintf("line %d: nested VEVENT", n))
			}
			open++
		case line == "END:VEVENT":
			if open == 0 {
				problems = append(problems, fmt.Sprintf("line %d: END:VEVENT without BEGIN", n))
				continue
			}
			open--
		}
	}

	if open != 0 {
		problems = append(problems, "unterminated VEVENT")
	}
	if !hasVersion {
		problems = append(problems, "missing VERSION:2.0")
	}
	if !hasProdID {
		problems = append(problems, "missing PRODID")
	}

	return problems
}
