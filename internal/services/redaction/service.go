package redaction

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/conexus/internal/interfaces"
	"github.com/ternarybob/conexus/internal/models"
)

// genericPlaceholder is used when UsePlaceholders is off.
const genericPlaceholder = "[REDACTED]"

// Service is the PII redaction pipeline. Construction validates the
// configuration; malformed custom patterns are dropped with a warning
// and never surface as runtime failures.
type Service struct {
	patterns []pattern
	opts     models.RedactionOptions
	minSens  models.Sensitivity
	always   map[string]bool
	never    map[string]bool
	logger   arbor.ILogger
}

// NewService builds the pipeline from options. Custom patterns come
// from the options themselves and from any configured YAML files.
func NewService(opts models.RedactionOptions, logger arbor.ILogger) *Service {
	minSens, ok := models.ParseSensitivity(opts.MinSensitivity)
	if !ok {
		logger.Warn().Str("min_sensitivity", opts.MinSensitivity).Msg("Unknown min_sensitivity, defaulting to medium")
		minSens = models.SensitivityMedium
	}

	s := &Service{
		patterns: builtinPatterns(),
		opts:     opts,
		minSens:  minSens,
		always:   toSet(opts.AlwaysRedact),
		never:    toSet(opts.NeverRedact),
		logger:   logger,
	}

	custom := append([]models.CustomPattern{}, opts.CustomPatterns...)
	for _, path := range opts.PatternFiles {
		loaded, err := loadPatternFile(path)
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("Skipping unreadable pattern file")
			continue
		}
		custom = append(custom, loaded...)
	}

	for _, cp := range custom {
		compiled, err := compileCustom(cp)
		if err != nil {
			logger.Warn().Err(err).Str("pattern_id", cp.ID).Msg("Dropping malformed custom pattern")
			continue
		}
		s.patterns = append(s.patterns, compiled)
	}

	return s
}

// loadPatternFile reads a YAML list of custom patterns.
func loadPatternFile(path string) ([]models.CustomPattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var patterns []models.CustomPattern
	if err := yaml.Unmarshal(data, &patterns); err != nil {
		return nil, fmt.Errorf("failed to parse pattern file: %w", err)
	}
	return patterns, nil
}

func compileCustom(cp models.CustomPattern) (pattern, error) {
	if cp.ID == "" {
		return pattern{}, fmt.Errorf("custom pattern has no id")
	}
	re, err := regexp.Compile(cp.Regex)
	if err != nil {
		return pattern{}, fmt.Errorf("invalid regex: %w", err)
	}
	sens, ok := models.ParseSensitivity(cp.Sensitivity)
	if !ok {
		return pattern{}, fmt.Errorf("unknown sensitivity %q", cp.Sensitivity)
	}
	placeholder := cp.Placeholder
	if placeholder == "" {
		placeholder = "[" + strings.ToUpper(cp.ID) + "]"
	}
	return pattern{
		Category:    cp.ID,
		Sensitivity: sens,
		Regex:       re,
		Placeholder: placeholder,
	}, nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

// enabled reports whether a pattern participates under the current
// options: at or above MinSensitivity, forced on by AlwaysRedact, and
// never suppressed by NeverRedact.
func (s *Service) enabled(p *pattern) bool {
	if s.never[p.Category] {
		return false
	}
	if s.always[p.Category] {
		return true
	}
	return p.Sensitivity >= s.minSens
}

// span is one candidate redaction found in the input.
type span struct {
	start, end  int
	category    string
	sensitivity models.Sensitivity
	placeholder string
}

// RedactText returns a redacted copy of text plus a report of what was
// replaced. Empty input returns (unchanged, empty report).
func (s *Service) RedactText(text string) (string, *models.RedactionReport) {
	report := &models.RedactionReport{}
	if text == "" {
		return text, report
	}

	var spans []span
	for i := range s.patterns {
		p := &s.patterns[i]
		if !s.enabled(p) || !p.passesPreCheck(text) {
			continue
		}
		for _, loc := range p.Regex.FindAllStringIndex(text, -1) {
			spans = append(spans, span{
				start:       loc[0],
				end:         loc[1],
				category:    p.Category,
				sensitivity: p.Sensitivity,
				placeholder: p.Placeholder,
			})
		}
	}
	if len(spans) == 0 {
		return text, report
	}

	spans = resolveOverlaps(spans)

	// Rewrite right-to-left so earlier offsets stay valid
	redacted := text
	for i := len(spans) - 1; i >= 0; i-- {
		sp := spans[i]
		placeholder := sp.placeholder
		if !s.opts.UsePlaceholders {
			placeholder = genericPlaceholder
		}

		entry := models.RedactionEntry{
			Category:    sp.category,
			Sensitivity: sp.sensitivity,
			Start:       sp.start,
			End:         sp.end,
			Placeholder: placeholder,
		}
		original := text[sp.start:sp.end]
		if s.opts.HashOriginals {
			entry.Hash = hashValue(original)
		}
		if s.opts.TrackRedactions {
			entry.Original = original
		}
		report.Entries = append(report.Entries, entry)

		redacted = redacted[:sp.start] + placeholder + redacted[sp.end:]
	}

	// Entries were appended right-to-left; the report is ordered by start
	reverse(report.Entries)
	return redacted, report
}

// resolveOverlaps sorts spans by start offset and drops overlapping
// spans, keeping the higher-sensitivity one (ties to the earliest
// start). The survivors never overlap.
func resolveOverlaps(spans []span) []span {
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].sensitivity > spans[j].sensitivity
	})

	var kept []span
	for _, candidate := range spans {
		conflict := -1
		for k := len(kept) - 1; k >= 0; k-- {
			if kept[k].end > candidate.start {
				conflict = k
				break
			}
		}
		if conflict < 0 {
			kept = append(kept, candidate)
			continue
		}
		// Higher sensitivity wins; on a tie the earlier start (already
		// kept) survives
		if candidate.sensitivity > kept[conflict].sensitivity {
			kept = append(kept[:conflict], candidate)
		}
	}
	return kept
}

// RedactValue deep-redacts strings at any depth of a generic structured
// value (maps, slices). Non-string leaves are copied verbatim.
func (s *Service) RedactValue(value interface{}) (interface{}, *models.RedactionReport) {
	report := &models.RedactionReport{}
	out := s.redactWalk(value, report)
	return out, report
}

func (s *Service) redactWalk(value interface{}, report *models.RedactionReport) interface{} {
	switch v := value.(type) {
	case string:
		redacted, r := s.RedactText(v)
		report.Entries = append(report.Entries, r.Entries...)
		return redacted
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[key] = s.redactWalk(item, report)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = s.redactWalk(item, report)
		}
		return out
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			redacted, r := s.RedactText(item)
			report.Entries = append(report.Entries, r.Entries...)
			out[i] = redacted
		}
		return out
	default:
		return value
	}
}

// Reconstruct rebuilds the original text from a redacted copy and a
// report produced with TrackRedactions on. Returns an error when the
// report lacks originals.
func Reconstruct(redacted string, report *models.RedactionReport) (string, error) {
	out := redacted
	delta := 0
	for _, entry := range report.Entries {
		if entry.Original == "" && entry.Start != entry.End {
			return "", fmt.Errorf("report entry for %s has no original; TrackRedactions was off", entry.Category)
		}
		pos := entry.Start + delta
		if pos < 0 || pos+len(entry.Placeholder) > len(out) {
			return "", fmt.Errorf("report entry for %s is out of range", entry.Category)
		}
		out = out[:pos] + entry.Original + out[pos+len(entry.Placeholder):]
		delta += len(entry.Original) - len(entry.Placeholder)
	}
	return out, nil
}

func hashValue(v string) string {
	sum := sha256.Sum256([]byte(v))
	return "hash:" + hex.EncodeToString(sum[:])[:16]
}

func reverse(entries []models.RedactionEntry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}

// Ensure interface compliance
var _ interfaces.RedactionService = (*Service)(nil)
