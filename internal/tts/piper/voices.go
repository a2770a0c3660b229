package piper

import (
	"sort"
	"strings"

	"github.com/nadzzz/speechbridge/internal/tts"
)

// defaultVoices maps ISO-639-1 language codes to Piper voice model names.
var defaultVoices = map[string]string{
	"en": "en_US-lessac-medium",
	"fr": "fr_FR-siwis-medium",
	"es": "es_ES-mls_10246-low",
	"de": "de_DE-thorsten-medium",
	"it": "it_IT-riccardo-x_low",
	"pt": "pt_BR-faber-medium",
	"nl": "nl_NL-mls-medium",
	"pl": "pl_PL-darkman-medium",
	"ru": "ru_RU-ruslan-medium",
	"ja": "ja_JP-amitaro-medium",
	"ko": "ko_KR-kss-x_low",
	"zh": "zh_CN-huayan-medium",
}

// tier derives quality and latency from the model name suffix, e.g.
// "en_US-lessac-medium". Larger models sound better and answer slower.
func tier(name string) int {
	i := strings.LastIndex(name, "-")
	if i < 0 {
		return tts.TierNormal
	}
	switch name[i+1:] {
	case "x_low":
		return tts.TierVeryLow
	case "low":
		return tts.TierLow
	case "medium":
		return tts.TierNormal
	case "high":
		return tts.TierHigh
	default:
		return tts.TierNormal
	}
}

// localeOf returns the BCP 47 tag of a Piper model, e.g. "en_US-lessac-medium"
// → "en-US".
func localeOf(name string) string {
	prefix, _, _ := strings.Cut(name, "-")
	return strings.ReplaceAll(prefix, "_", "-")
}

// languageOf reduces a locale tag to its ISO-639-1 code.
func languageOf(tag string) string {
	tag = strings.ReplaceAll(tag, "_", "-")
	lang, _, _ := strings.Cut(tag, "-")
	return strings.ToLower(lang)
}

func toVoice(v voiceInfo) tts.Voice {
	locale := localeOf(v.Name)
	if len(v.Languages) > 0 {
		locale = strings.ReplaceAll(v.Languages[0], "_", "-")
	}
	name := v.Description
	if name == "" {
		name = v.Name
	}
	t := tier(v.Name)
	return tts.Voice{ID: v.Name, Locale: locale, Quality: t, Latency: t, Name: name}
}

// configuredVoices lists the voices named by the language map, used when the
// server does not describe itself.
func configuredVoices(byLanguage map[string]string) []tts.Voice {
	seen := make(map[string]bool, len(byLanguage))
	var out []tts.Voice
	for _, name := range byLanguage {
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, toVoice(voiceInfo{Name: name}))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// voiceForLocale picks a model for tag: an exact locale match among the
// known voices, then the configured model for the language, then English.
func voiceForLocale(tag string, known []tts.Voice, byLanguage map[string]string) string {
	norm := strings.ReplaceAll(tag, "_", "-")
	for _, v := range known {
		if strings.EqualFold(v.Locale, norm) {
			return v.ID
		}
	}
	if name := byLanguage[languageOf(tag)]; name != "" {
		return name
	}
	return byLanguage["en"]
}
