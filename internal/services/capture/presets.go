package capture

import (
	"github.com/ternarybob/conexus/internal/models"
)

// presetSpecs maps each named preset to its per-category verbosity.
// Presets encode issue-class intent: soql_analysis turns the database
// category up, cpu_hotspots turns profiling up, and so on.
var presetSpecs = map[models.PresetName]models.DebugLevelSpec{
	models.PresetMinimal: {
		ApexCode: models.VerbosityError, ApexProfiling: models.VerbosityNone,
		Callout: models.VerbosityNone, Database: models.VerbosityNone,
		System: models.VerbosityNone, Validation: models.VerbosityNone,
		Visualforce: models.VerbosityNone, Workflow: models.VerbosityNone,
	},
	models.PresetSOQLAnalysis: {
		ApexCode: models.VerbosityDebug, ApexProfiling: models.VerbosityNone,
		Callout: models.VerbosityNone, Database: models.VerbosityFinest,
		System: models.VerbosityInfo, Validation: models.VerbosityNone,
		Visualforce: models.VerbosityNone, Workflow: models.VerbosityNone,
	},
	models.PresetGovernorLimits: {
		ApexCode: models.VerbosityFine, ApexProfiling: models.VerbosityFinest,
		Callout: models.VerbosityNone, Database: models.VerbosityInfo,
		System: models.VerbosityDebug, Validation: models.VerbosityNone,
		Visualforce: models.VerbosityNone, Workflow: models.VerbosityNone,
	},
	models.PresetTriggers: {
		ApexCode: models.VerbosityFinest, ApexProfiling: models.VerbosityNone,
		Callout: models.VerbosityNone, Database: models.VerbosityFine,
		System: models.VerbosityInfo, Validation: models.VerbosityInfo,
		Visualforce: models.VerbosityNone, Workflow: models.VerbosityFine,
	},
	models.PresetCPUHotspots: {
		ApexCode: models.VerbosityFine, ApexProfiling: models.VerbosityFinest,
		Callout: models.VerbosityNone, Database: models.VerbosityNone,
		System: models.VerbosityFine, Validation: models.VerbosityNone,
		Visualforce: models.VerbosityNone, Workflow: models.VerbosityNone,
	},
	models.PresetExceptions: {
		ApexCode: models.VerbosityFine, ApexProfiling: models.VerbosityNone,
		Callout: models.VerbosityNone, Database: models.VerbosityWarn,
		System: models.VerbosityWarn, Validation: models.VerbosityNone,
		Visualforce: models.VerbosityNone, Workflow: models.VerbosityNone,
	},
	models.PresetCallouts: {
		ApexCode: models.VerbosityDebug, ApexProfiling: models.VerbosityNone,
		Callout: models.VerbosityFinest, Database: models.VerbosityNone,
		System: models.VerbosityInfo, Validation: models.VerbosityNone,
		Visualforce: models.VerbosityNone, Workflow: models.VerbosityNone,
	},
	models.PresetAIOptimized: {
		ApexCode: models.VerbosityFine, ApexProfiling: models.VerbosityInfo,
		Callout: models.VerbosityInfo, Database: models.VerbosityFine,
		System: models.VerbosityDebug, Validation: models.VerbosityInfo,
		Visualforce: models.VerbosityNone, Workflow: models.VerbosityInfo,
	},
	models.PresetFullDiagnostic: {
		ApexCode: models.VerbosityFinest, ApexProfiling: models.VerbosityFinest,
		Callout: models.VerbosityFinest, Database: models.VerbosityFinest,
		System: models.VerbosityFine, Validation: models.VerbosityInfo,
		Visualforce: models.VerbosityFine, Workflow: models.VerbosityFiner,
	},
}

// SpecForPreset resolves a preset name. Unknown names fall back to
// ai_optimized, matching the config default.
func SpecForPreset(name models.PresetName) (models.DebugLevelSpec, bool) {
	spec, ok := presetSpecs[name]
	if !ok {
		return presetSpecs[models.PresetAIOptimized], false
	}
	return spec, true
}

// DeveloperNameForPreset returns the DebugLevel developer name used for
// a preset. Names are shared across callers, which is why debug-level
// creation must be idempotent.
func DeveloperNameForPreset(name models.PresetName) string {
	switch name {
	case models.PresetMinimal:
		return "Conexus_Minimal"
	case models.PresetSOQLAnalysis:
		return "Conexus_SOQL_Analysis"
	case models.PresetGovernorLimits:
		return "Conexus_Governor_Limits"
	case models.PresetTriggers:
		return "Conexus_Triggers"
	case models.PresetCPUHotspots:
		return "Conexus_CPU_Hotspots"
	case models.PresetExceptions:
		return "Conexus_Exceptions"
	case models.PresetCallouts:
		return "Conexus_Callouts"
	case models.PresetFullDiagnostic:
		return "Conexus_Full_Diagnostic"
	default:
		return "Conexus_AI_Optimized"
	}
}
