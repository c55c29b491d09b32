package calendar

import (
	"strings"
)

// block is the raw, still folded, content lines of one VEVENT.
type block struct {
	lines  []string
	uid    string
	broken string
	depth  int
	last   string
}

type document struct {
	sawCalendar bool
	props       map[string]string
	blocks      []block
}

// splitDocument cuts a calendar body into calendar-level properties and
// VEVENT blocks. It only tracks component boundaries; property syntax is
// left to golang-ical so each block can fail on its own.
func splitDocument(data []byte) document {
	text := strings.TrimPrefix(string(data), "\ufeff")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	doc := document{props: make(map[string]string)}
	var (
		cur      *block
		depth    int
		inCal    bool
		lastProp string
	)

	closeBroken := func(reason string) {
		cur.broken = reason
		doc.blocks = append(doc.blocks, *cur)
		cur = nil
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}

		if line[0] == ' ' || line[0] == '\t' {
			switch {
			case cur != nil:
				cur.lines = append(cur.lines, line)
				if cur.last == "UID" {
					cur.uid += strings.TrimRight(line[1:], " ")
				}
			case inCal && depth == 0 && lastProp != "":
				doc.props[lastProp] += line[1:]
			}
			continue
		}

		name, value := splitContentLine(line)
		switch name {
		case "BEGIN":
			comp := strings.ToUpper(strings.TrimSpace(value))
			switch {
			case comp == "VCALENDAR":
				doc.sawCalendar = true
				inCal = true
			case comp == "VEVENT" && depth == 0:
				if cur != nil {
					closeBroken("missing END:VEVENT")
				}
				cur = &block{lines: []string{line}}
			case cur != nil:
				cur.depth++
				cur.lines = append(cur.lines, line)
			default:
				depth++
			}
		case "END":
			comp := strings.ToUpper(strings.TrimSpace(value))
			switch {
			case comp == "VCALENDAR":
				if cur != nil {
					closeBroken("missing END:VEVENT")
				}
				inCal = false
			case cur != nil && comp == "VEVENT" && cur.depth == 0:
				cur.lines = append(cur.lines, line)
				doc.blocks = append(doc.blocks, *cur)
				cur = nil
			case cur != nil:
				if cur.depth > 0 {
					cur.depth--
				}
				cur.lines = append(cur.lines, line)
			case depth > 0:
				depth--
			}
		default:
			switch {
			case cur != nil:
				cur.lines = append(cur.lines, line)
				cur.last = ""
				if name == "UID" && cur.uid == "" && cur.depth == 0 {
					cur.uid = strings.TrimSpace(value)
					cur.last = name
				}
			case inCal && depth == 0:
				if _, ok := doc.props[name]; !ok {
					doc.props[name] = value
				}
				lastProp = name
			}
		}
	}

	if cur != nil {
		closeBroken("missing END:VEVENT")
	}

	return doc
}

// splitContentLine returns the upper-cased property name and the raw value of
// a content line. Colons inside quoted parameter values are skipped.
func splitContentLine(line string) (string, string) {
	nameEnd := -1
	inQuote := false
	for i := 0; i < len(line); i++ {
		switch c := line[i]; {
		case c == '"':
			inQuote = !inQuote
		case (c == ';' || c == ':') && nameEnd < 0 && !inQuote:
			nameEnd = i
			if c == ':' {
				return strings.ToUpper(line[:i]), line[i+1:]
			}
		case c == ':' && !inQuote:
			return strings.ToUpper(line[:nameEnd]), line[i+1:]
		}
	}
	if nameEnd < 0 {
		return strings.ToUpper(line), ""
	}
	return strings.ToUpper(line[:nameEnd]), ""
}
