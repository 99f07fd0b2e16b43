package config

import (
	"os"
	"strings"
)

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// StrictEvidenceFileCheck makes link_evidence verify every file_ref exists in storage.
//
// Set via env:
// - STRICT_EVIDENCE_FILE_CHECK=true
func StrictEvidenceFileCheck() bool {
	return envBool("STRICT_EVIDENCE_FILE_CHECK")
}

// AllowReleaseBeforeCompletion lets release_deliverables run while the work order
// is still READY_FOR_RENDER or RENDERING. Default requires COMPLETED.
//
// Set via env:
// - ALLOW_RELEASE_BEFORE_COMPLETION=true
func AllowReleaseBeforeCompletion() bool {
	return envBool("ALLOW_RELEASE_BEFORE_COMPLETION")
}

// RunWorkersInProcess starts the enrichment/render/event workers inside the API process.
//
// Set via env:
// - RUN_WORKERS=true
func RunWorkersInProcess() bool {
	return envBool("RUN_WORKERS")
}

func SkipMigrations() bool {
	return envBool("SKIP_MIGRATIONS")
}

func RateLimitEnabled() bool {
	return envBool("RATE_LIMIT_ENABLED")
}

func IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production")
}
