package logparser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conexus/internal/interfaces"
	"github.com/ternarybob/conexus/internal/models"
)

// truncationMarker is the line the platform inserts when a log body hit
// its size ceiling server-side.
const truncationMarker = "MAXIMUM DEBUG LOG SIZE REACHED"

// Service parses raw Apex debug log bodies into event streams. One line
// type at a time: lines the model does not cover are skipped without a
// warning, genuinely malformed lines are skipped with one.
type Service struct {
	logger arbor.ILogger
}

// NewService creates a log parser.
func NewService(logger arbor.ILogger) *Service {
	return &Service{logger: logger}
}

// lineKinds maps raw Apex log line types onto the event model. Line
// types absent here (HEAP_ALLOCATE, STATEMENT_EXECUTE, ...) carry
// nothing the correlation core consumes and are skipped.
var lineKinds = map[string]models.EventType{
	"METHOD_ENTRY":       models.EventMethodEntry,
	"METHOD_EXIT":        models.EventMethodExit,
	"CONSTRUCTOR_ENTRY":  models.EventConstructorEntry,
	"CONSTRUCTOR_EXIT":   models.EventConstructorExit,
	"USER_DEBUG":         models.EventUserDebug,
	"CODE_UNIT_STARTED":  models.EventCodeUnitStarted,
	"CODE_UNIT_FINISHED": models.EventCodeUnitFinished,
	"LIMIT_USAGE":        models.EventLimitUsage,
	"FATAL_ERROR":        models.EventFatalError,
	"SOQL_EXECUTE_BEGIN": models.EventSOQLBegin,
	"SOQL_EXECUTE_END":   models.EventSOQLEnd,
	"DML_BEGIN":          models.EventDMLBegin,
	"DML_END":            models.EventDMLEnd,
}

// Parse converts a raw log body into a ParsedLog. It never fails: a
// body with no parseable lines yields an empty event list.
func (s *Service) Parse(record models.LogRecord, body string) *models.ParsedLog {
	parsed := &models.ParsedLog{Record: record}
	if body == "" {
		return parsed
	}

	lines, offsets := splitLines(body)
	endsWithNewline := strings.HasSuffix(body, "\n")
	lastTs := int64(0)

	for i, line := range lines {
		lineNo := i + 1

		if lineNo == 1 && !strings.Contains(line, "|") {
			parsed.DebugLevels = parseHeader(line)
			continue
		}
		if strings.Contains(line, truncationMarker) {
			parsed.Truncated = true
			parsed.TruncatedAt = offsets[i]
			break
		}

		event, warn := s.parseLine(line, lineNo, lastTs)
		cutOff := i == len(lines)-1 && !endsWithNewline
		if warn != "" {
			// A malformed final line with no trailing newline is a body
			// cut off mid-write, not a damaged line.
			if cutOff {
				parsed.Truncated = true
				parsed.TruncatedAt = offsets[i]
				break
			}
			parsed.Warnings = append(parsed.Warnings, warn)
			continue
		}
		if event == nil {
			if cutOff && !strings.Contains(line, "|") && strings.TrimSpace(line) != "" {
				parsed.Truncated = true
				parsed.TruncatedAt = offsets[i]
			}
			continue
		}
		lastTs = event.Timestamp
		event.ID = len(parsed.Events)
		parsed.Events = append(parsed.Events, *event)
	}

	s.logger.Debug().
		Str("log_id", record.ID).
		Int("events", len(parsed.Events)).
		Int("warnings", len(parsed.Warnings)).
		Bool("truncated", parsed.Truncated).
		Msg("Log body parsed")
	return parsed
}

// splitLines breaks the body into lines plus each line's byte offset,
// tolerating both LF and CRLF endings and dropping a trailing empty
// segment.
func splitLines(body string) ([]string, []int64) {
	var lines []string
	var offsets []int64
	start := 0
	for start < len(body) {
		idx := strings.IndexByte(body[start:], '\n')
		if idx < 0 {
			lines = append(lines, strings.TrimSuffix(body[start:], "\r"))
			offsets = append(offsets, int64(start))
			break
		}
		lines = append(lines, strings.TrimSuffix(body[start:start+idx], "\r"))
		offsets = append(offsets, int64(start))
		start += idx + 1
	}
	return lines, offsets
}

// parseHeader splits the debug-level header, e.g.
// "64.0 APEX_CODE,FINE;DB,FINEST;SYSTEM,DEBUG".
func parseHeader(line string) []string {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil
	}
	return strings.Split(strings.Join(fields[1:], " "), ";")
}

// parseLine converts one pipe-delimited log line. Returns (nil, "") for
// line types outside the model and (nil, warning) for malformed lines.
func (s *Service) parseLine(line string, lineNo int, lastTs int64) (*models.Event, string) {
	parts := strings.Split(line, "|")
	if len(parts) < 2 {
		return nil, ""
	}

	kind, ok := lineKinds[parts[1]]
	if !ok {
		return nil, ""
	}

	ts, err := parseTimestamp(parts[0])
	if err != nil {
		return nil, fmt.Sprintf("line %d: %v", lineNo, err)
	}
	// Timestamps within a log are non-decreasing; a regression means the
	// line itself is damaged.
	if ts < lastTs {
		return nil, fmt.Sprintf("line %d: timestamp went backwards (%d < %d)", lineNo, ts, lastTs)
	}

	event := &models.Event{Type: kind, Timestamp: ts}

	rest := parts[2:]
	if len(rest) > 0 {
		if n, ok := parseBracketLine(rest[0]); ok {
			event.LineNumber = n
			rest = rest[1:]
		}
	}

	switch kind {
	case models.EventMethodEntry, models.EventMethodExit:
		// ...|[12]|01p000000000001|MyClass.myMethod(String)
		if len(rest) == 0 {
			return nil, fmt.Sprintf("line %d: %s carries no method signature", lineNo, parts[1])
		}
		sig := rest[len(rest)-1]
		event.Namespace, event.ClassName, event.MethodName = splitSignature(sig)
		if event.ClassName == "" {
			return nil, fmt.Sprintf("line %d: unparseable method signature %q", lineNo, sig)
		}
	case models.EventConstructorEntry, models.EventConstructorExit:
		// ...|[6]|01p000000000001|<init>()|MyQueueable
		if len(rest) == 0 {
			return nil, fmt.Sprintf("line %d: %s carries no class name", lineNo, parts[1])
		}
		event.MethodName = "<init>"
		event.Namespace, event.ClassName, _ = splitSignature(rest[len(rest)-1])
	case models.EventUserDebug:
		// ...|[8]|DEBUG|message
		if len(rest) > 0 {
			event.Message = rest[len(rest)-1]
		}
	case models.EventCodeUnitStarted, models.EventCodeUnitFinished:
		// ...|[EXTERNAL]|01p.../MyQueueable.execute | execute_anonymous_apex
		if len(rest) > 0 {
			event.Operation = rest[len(rest)-1]
		}
	case models.EventFatalError:
		event.Message = strings.Join(rest, "|")
	case models.EventLimitUsage:
		// ...|[0]|SOQL|5|100
		if len(rest) < 3 {
			return nil, fmt.Sprintf("line %d: LIMIT_USAGE carries %d fields, need 3", lineNo, len(rest))
		}
		event.LimitName = rest[0]
		used, err1 := strconv.ParseInt(rest[1], 10, 64)
		ceiling, err2 := strconv.ParseInt(rest[2], 10, 64)
		if err1 != nil || err2 != nil {
			return nil, fmt.Sprintf("line %d: non-numeric LIMIT_USAGE counts", lineNo)
		}
		event.LimitUsed = used
		event.LimitMax = ceiling
	case models.EventSOQLBegin, models.EventSOQLEnd:
		// Last field is the query text.
		if len(rest) > 0 {
			event.Operation = rest[len(rest)-1]
		}
	case models.EventDMLBegin, models.EventDMLEnd:
		// Op/Type/Rows fields together describe the operation.
		event.Operation = strings.Join(rest, "|")
	}

	return event, ""
}

// parseTimestamp extracts the nanosecond offset from a line prefix of
// the form "09:12:57.2 (2000000)".
func parseTimestamp(prefix string) (int64, error) {
	start := strings.IndexByte(prefix, '(')
	end := strings.IndexByte(prefix, ')')
	if start < 0 || end <= start {
		return 0, fmt.Errorf("no nanosecond offset in %q", prefix)
	}
	ns, err := strconv.ParseInt(prefix[start+1:end], 10, 64)
	if err != nil || ns < 0 {
		return 0, fmt.Errorf("bad nanosecond offset in %q", prefix)
	}
	return ns, nil
}

// parseBracketLine parses the "[12]" source-line token. "[EXTERNAL]"
// and other non-numeric brackets are consumed without a line number.
func parseBracketLine(field string) (int, bool) {
	if len(field) < 2 || field[0] != '[' || field[len(field)-1] != ']' {
		return 0, false
	}
	n, err := strconv.Atoi(field[1 : len(field)-1])
	if err != nil {
		return 0, true
	}
	return n, true
}

// splitSignature splits "ns.MyClass.myMethod(String)" into namespace,
// class and method. Two segments mean no namespace; one segment is a
// bare class.
func splitSignature(sig string) (namespace, class, method string) {
	if i := strings.IndexByte(sig, '('); i >= 0 {
		sig = sig[:i]
	}
	sig = strings.TrimSpace(sig)
	if sig == "" {
		return "", "", ""
	}
	segs := strings.Split(sig, ".")
	switch len(segs) {
	case 1:
		return "", segs[0], ""
	case 2:
		return "", segs[0], segs[1]
	default:
		return segs[0], segs[1], strings.Join(segs[2:], ".")
	}
}

// Ensure interface compliance
var _ interfaces.LogParser = (*Service)(nil)
