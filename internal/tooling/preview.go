package tooling

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// previewPattern scrapes the argument keys worth surfacing to an approver
// before the full arguments have streamed in.
var previewPattern = regexp.MustCompile(`"(path|file_path|command|url|pattern|query)"\s*:\s*"((?:[^"\\]|\\.)*)`)

// maxPreviewValueLen caps scraped values so a preview never dwarfs the event
// it rides on.
const maxPreviewValueLen = 200

// ScrapePreview heuristically extracts high-value fields from a partial
// JSON argument buffer. The buffer is usually incomplete, so values may be
// truncated mid-string; the scrape is best-effort and only ever used for
// display, never for execution.
func ScrapePreview(partial string) map[string]string {
	matches := previewPattern.FindAllStringSubmatch(partial, -1)
	if len(matches) == 0 {
		return nil
	}
	preview := make(map[string]string, len(matches))
	for _, m := range matches {
		key, value := m[1], m[2]
		value = strings.NewReplacer(`\"`, `"`, `\\`, `\`, `\n`, "\n", `\t`, "\t").Replace(value)
		if len(value) > maxPreviewValueLen {
			cut := maxPreviewValueLen
			for cut > 0 && !utf8.RuneStart(value[cut]) {
				cut--
			}
			value = value[:cut] + "…"
		}
		// Later fragments carry more of the value; last match wins.
		preview[key] = value
	}
	return preview
}
