package report

import (
	"path"
	"strings"

	"github.com/getathos/athos-agent/internal/model"
)

// Detail keys read by Score.
const (
	DetailKind            = "tipo_evento"
	DetailFileName        = "nombre_archivo"
	DetailFilename        = "filename"
	DetailHasPassword     = "has_password"
	DetailSensitiveFields = "sensitive_fields"
)

const maxRisk = 100

var baseScores = map[model.EventType]int{
	model.EventNavigation: 0,
	model.EventTimeOnPage: 0,
	model.EventSession:    0,
	model.EventFormSubmit: 20,
	model.EventDownload:   30,
	model.EventBlock:      50,
}

var interactionScores = map[model.InteractionKind]int{
	model.InteractionClick:      15,
	model.InteractionPaste:      20,
	model.InteractionCopy:       25,
	model.InteractionCut:        25,
	model.InteractionDownload:   30,
	model.InteractionPrint:      30,
	model.InteractionFileUpload: 35,
}

const defaultInteractionScore = 15

var (
	executableExts = setOf("exe", "msi", "bat", "cmd", "com", "scr", "ps1", "vbs", "js", "jar", "sh", "dmg", "pkg", "apk", "deb", "rpm")
	archiveExts    = setOf("zip", "rar", "7z", "tar", "gz", "tgz", "bz2", "xz")
	dataExportExts = setOf("csv", "xls", "xlsx", "sql", "db", "json")
)

// Score computes the deterministic risk score of an event, 0..100.
// Adding risk-contributing details never lowers the score.
func Score(eventType model.EventType, details map[string]any) int {
	score := baseScores[eventType]
	if eventType == model.EventUserInteraction {
		score = defaultInteractionScore
		if kind, ok := details[DetailKind].(string); ok {
			if s, ok := interactionScores[model.InteractionKind(kind)]; ok {
				score = s
			}
		}
	}

	score += extensionScore(fileName(details))

	if b, ok := details[DetailHasPassword].(bool); ok && b {
		score += 15
	}
	score += min(10*countFields(details[DetailSensitiveFields]), 30)

	return max(0, min(score, maxRisk))
}

func extensionScore(name string) int {
	if name == "" {
		return 0
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	switch {
	case executableExts[ext]:
		return 25
	case archiveExts[ext]:
		return 15
	case dataExportExts[ext]:
		return 10
	}
	return 0
}

func fileName(details map[string]any) string {
	for _, key := range []string{DetailFileName, DetailFilename} {
		if s, ok := details[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func countFields(v any) int {
	switch fields := v.(type) {
	case []string:
		return len(fields)
	case []any:
		return len(fields)
	}
	return 0
}

func setOf(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}
