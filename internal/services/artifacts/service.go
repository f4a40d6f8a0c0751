package artifacts

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conexus/internal/interfaces"
	"github.com/ternarybob/conexus/internal/models"
)

// maxLineBytes bounds a single artifact line. User-debug messages can
// run long but never near this; anything larger is a damaged file.
const maxLineBytes = 4 * 1024 * 1024

// Service encodes parsed logs as the line-delimited streaming artifact
// and decodes them back. One JSON object per line: META first, then
// EVENT lines, optionally a closing SUMMARY, so a consumer reading a
// partially written file still gets everything before the cut.
type Service struct {
	logger arbor.ILogger
}

// NewService creates the artifact codec.
func NewService(logger arbor.ILogger) *Service {
	return &Service{logger: logger}
}

// WriteStream emits the streaming artifact for one parsed log.
func (s *Service) WriteStream(w io.Writer, parsed *models.ParsedLog) error {
	if parsed == nil {
		return fmt.Errorf("artifacts: nil parsed log")
	}

	bw := bufio.NewWriter(w)
	meta := models.MetaLine{
		Type:          models.LineMeta,
		SchemaVersion: models.SchemaVersion,
		Filename:      parsed.Record.ID + ".log",
		SizeBytes:     parsed.Record.LogLength,
		DebugLevels:   parsed.DebugLevels,
		Truncated:     parsed.Truncated,
		TruncationAt:  parsed.TruncatedAt,
	}
	if err := writeLine(bw, meta); err != nil {
		return err
	}

	for i := range parsed.Events {
		line := models.EventLine{Type: models.LineEvent, Event: parsed.Events[i]}
		if err := writeLine(bw, line); err != nil {
			return err
		}
	}

	summary := models.SummaryLine{
		Type:       models.LineSummary,
		EventCount: len(parsed.Events),
		DurationNs: parsed.DurationNs(),
		Warnings:   parsed.Warnings,
	}
	if err := writeLine(bw, summary); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadStream decodes a streaming artifact. A file cut off mid-line
// yields the events decoded so far plus a warning; only a missing META
// line or a foreign schema major fails the read.
func (s *Service) ReadStream(r io.Reader) (*models.StreamArtifact, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	artifact := &models.StreamArtifact{}
	lineNo := 0
	sawMeta := false
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
			if !sawMeta {
				return nil, models.WrapError(models.ErrSchemaUnsupported,
					"streaming artifact does not start with a META line", err)
			}
			// Damaged or partially written line: keep what we have.
			artifact.Warnings = append(artifact.Warnings,
				fmt.Sprintf("artifact truncated at line %d", lineNo))
			s.logger.Warn().Int("line", lineNo).Msg("Streaming artifact cut off mid-line")
			break
		}

		if !sawMeta {
			if envelope.Type != models.LineMeta {
				return nil, models.NewError(models.ErrSchemaUnsupported,
					"streaming artifact does not start with a META line",
					"regenerate the artifact with a current writer")
			}
			if err := json.Unmarshal([]byte(raw), &artifact.Meta); err != nil {
				return nil, models.WrapError(models.ErrSchemaUnsupported, "unreadable META line", err)
			}
			if err := checkSchemaVersion(artifact.Meta.SchemaVersion); err != nil {
				return nil, err
			}
			sawMeta = true
			continue
		}

		switch envelope.Type {
		case models.LineEvent:
			var line models.EventLine
			if err := json.Unmarshal([]byte(raw), &line); err != nil {
				artifact.Warnings = append(artifact.Warnings,
					fmt.Sprintf("line %d: unreadable EVENT payload", lineNo))
				continue
			}
			artifact.Events = append(artifact.Events, line.Event)
		case models.LineSummary:
			var line models.SummaryLine
			if err := json.Unmarshal([]byte(raw), &line); err != nil {
				artifact.Warnings = append(artifact.Warnings,
					fmt.Sprintf("line %d: unreadable SUMMARY payload", lineNo))
				continue
			}
			artifact.Summary = &line
		case models.LineMeta:
			artifact.Warnings = append(artifact.Warnings,
				fmt.Sprintf("line %d: duplicate META line skipped", lineNo))
		default:
			// Minor-version additions appear as new line types.
			artifact.Warnings = append(artifact.Warnings,
				fmt.Sprintf("line %d: unknown line type %q skipped", lineNo, envelope.Type))
		}
	}
	if err := scanner.Err(); err != nil {
		artifact.Warnings = append(artifact.Warnings, fmt.Sprintf("read stopped: %v", err))
	}
	if !sawMeta {
		return nil, models.NewError(models.ErrSchemaUnsupported,
			"empty streaming artifact", "regenerate the artifact with a current writer")
	}
	return artifact, nil
}

// checkSchemaVersion accepts any 2.x schema and rejects other majors.
func checkSchemaVersion(version string) error {
	major, _, _ := strings.Cut(version, ".")
	if major == "2" {
		return nil
	}
	return models.NewError(models.ErrSchemaUnsupported,
		fmt.Sprintf("unsupported artifact schema version %q", version),
		"this reader handles schema 2.x")
}

func writeLine(w *bufio.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("artifacts: encode line: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

var _ interfaces.ArtifactService = (*Service)(nil)
