package i18n

import (
	"sort"
	"strings"

	"github.com/iamwavecut/tool"
)

var languageNames = map[string]string{
	"en": "English",
	"kk": "Kazakh",
	"ru": "Russian",
}

func GetLanguageName(code string) string {
	if name, ok := languageNames[strings.ToLower(code)]; ok {
		return name
	}
	return code
}

func GetLanguagesList() []string {
	codes := make([]string, 0, len(languageNames))
	for code := range languageNames {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Normalize maps a Telegram language_code such as "ru-RU" to a supported language, English otherwise.
func Normalize(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if i := strings.IndexAny(code, "-_"); i > 0 {
		code = code[:i]
	}
	if tool.In(code, GetLanguagesList()...) {
		return code
	}
	return DefaultLanguage
}
