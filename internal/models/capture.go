package models

import "time"

// Verbosity is a per-category debug level setting.
type Verbosity string

const (
	VerbosityNone   Verbosity = "NONE"
	VerbosityError  Verbosity = "ERROR"
	VerbosityWarn   Verbosity = "WARN"
	VerbosityInfo   Verbosity = "INFO"
	VerbosityDebug  Verbosity = "DEBUG"
	VerbosityFine   Verbosity = "FINE"
	VerbosityFiner  Verbosity = "FINER"
	VerbosityFinest Verbosity = "FINEST"
)

// verbosityRank orders verbosities for preset merging.
var verbosityRank = map[Verbosity]int{
	VerbosityNone: 0, VerbosityError: 1, VerbosityWarn: 2, VerbosityInfo: 3,
	VerbosityDebug: 4, VerbosityFine: 5, VerbosityFiner: 6, VerbosityFinest: 7,
}

// MaxVerbosity returns the more verbose of two settings.
func MaxVerbosity(a, b Verbosity) Verbosity {
	if verbosityRank[b] > verbosityRank[a] {
		return b
	}
	return a
}

// DebugLevelSpec holds the eight per-category verbosity settings of a
// platform DebugLevel row.
type DebugLevelSpec struct {
	ApexCode      Verbosity `json:"ApexCode"`
	ApexProfiling Verbosity `json:"ApexProfiling"`
	Callout       Verbosity `json:"Callout"`
	Database      Verbosity `json:"Database"`
	System        Verbosity `json:"System"`
	Validation    Verbosity `json:"Validation"`
	Visualforce   Verbosity `json:"Visualforce"`
	Workflow      Verbosity `json:"Workflow"`
}

// Merge returns the per-category maximum of two specs. Used when a
// session needs user and automated-process coverage with different
// presets active.
func (d DebugLevelSpec) Merge(o DebugLevelSpec) DebugLevelSpec {
	return DebugLevelSpec{
		ApexCode:      MaxVerbosity(d.ApexCode, o.ApexCode),
		ApexProfiling: MaxVerbosity(d.ApexProfiling, o.ApexProfiling),
		Callout:       MaxVerbosity(d.Callout, o.Callout),
		Database:      MaxVerbosity(d.Database, o.Database),
		System:        MaxVerbosity(d.System, o.System),
		Validation:    MaxVerbosity(d.Validation, o.Validation),
		Visualforce:   MaxVerbosity(d.Visualforce, o.Visualforce),
		Workflow:      MaxVerbosity(d.Workflow, o.Workflow),
	}
}

// PresetName selects a named debug-level preset.
type PresetName string

const (
	PresetMinimal        PresetName = "minimal"
	PresetSOQLAnalysis   PresetName = "soql_analysis"
	PresetGovernorLimits PresetName = "governor_limits"
	PresetTriggers       PresetName = "triggers"
	PresetCPUHotspots    PresetName = "cpu_hotspots"
	PresetExceptions     PresetName = "exceptions"
	PresetCallouts       PresetName = "callouts"
	PresetAIOptimized    PresetName = "ai_optimized"
	PresetFullDiagnostic PresetName = "full_diagnostic"
)

// TraceFlagState tracks a flag through its lifecycle:
// absent -> creating -> active -> expiring -> deleted.
// active -> expiring happens when remaining time drops below the
// session buffer; only an extend call moves it back to active.
type TraceFlagState string

const (
	TraceFlagAbsent   TraceFlagState = "absent"
	TraceFlagCreating TraceFlagState = "creating"
	TraceFlagActive   TraceFlagState = "active"
	TraceFlagExpiring TraceFlagState = "expiring"
	TraceFlagDeleted  TraceFlagState = "deleted"
)

// TraceFlag mirrors the Tooling API TraceFlag row.
type TraceFlag struct {
	ID             string    `json:"Id"`
	TracedEntityID string    `json:"TracedEntityId"`
	DebugLevelID   string    `json:"DebugLevelId"`
	LogType        string    `json:"LogType"` // Always "USER_DEBUG" here
	StartDate      time.Time `json:"StartDate"`
	ExpirationDate time.Time `json:"ExpirationDate"`
}

// State derives the flag's lifecycle state at time now given the
// session's extension buffer.
func (f *TraceFlag) State(now time.Time, buffer time.Duration) TraceFlagState {
	if !now.Before(f.ExpirationDate) {
		return TraceFlagAbsent
	}
	if f.ExpirationDate.Sub(now) < buffer {
		return TraceFlagExpiring
	}
	return TraceFlagActive
}

// DebugLevel mirrors the Tooling API DebugLevel row.
type DebugLevel struct {
	ID            string         `json:"Id"`
	DeveloperName string         `json:"DeveloperName"`
	MasterLabel   string         `json:"MasterLabel"`
	Levels        DebugLevelSpec `json:"levels"`
}

// CaptureSession owns the trace flags it created; Cleanup must delete
// every one of them on all exit paths, including cancellation.
type CaptureSession struct {
	ID                     string     `json:"id"`
	UserID                 string     `json:"user_id"`
	AutomatedProcessUserID string     `json:"automated_process_user_id,omitempty"`
	Preset                 PresetName `json:"preset"`
	DebugLevelID           string     `json:"debug_level_id"`
	TraceFlagIDs           []string   `json:"trace_flag_ids"`
	ExpiresAt              time.Time  `json:"expires_at"`
	Warnings               []string   `json:"warnings,omitempty"`
}
