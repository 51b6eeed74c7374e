package ingest

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// LanguageName returns the display name stored for a language code.
//
// overrides wins; otherwise the English CLDR name is used ("fr" -> "French").
// Codes that do not parse as BCP 47 fall back to the code itself.
func LanguageName(code string, overrides map[string]string) string {
	if name, ok := overrides[code]; ok && name != "" {
		return name
	}
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	name := display.English.Languages().Name(tag)
	if strings.TrimSpace(name) == "" {
		return code
	}
	return name
}
