package notification

import (
	"regexp"
	"strings"

	"concierge/internal/constants"
	"concierge/internal/rules"
	apperrors "concierge/pkg/errors"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// SelectTemplate picks the trigger's template in language, then in English, then the first one defined.
func SelectTemplate(templates []rules.Template, trigger, language string) (rules.Template, error) {
	var candidates []rules.Template
	for _, t := range templates {
		if t.Trigger == trigger {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return rules.Template{}, apperrors.ErrConfiguration.
			WithDetail("message", "no template for trigger").
			WithDetail("trigger", trigger)
	}

	for _, lang := range []string{language, constants.DefaultLanguage} {
		if lang == "" {
			continue
		}
		for _, t := range candidates {
			if strings.EqualFold(t.Language, lang) {
				return t, nil
			}
		}
	}
	return candidates[0], nil
}

// Substitute replaces {{token}} occurrences. Tokens missing from vars are left as written.
func Substitute(text string, vars map[string]string) string {
	if text == "" {
		return text
	}
	return tokenPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := tokenPattern.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return match
	})
}

func Render(t rules.Template, vars map[string]string) Message {
	return Message{
		TemplateID: t.ID,
		Language:   t.Language,
		Subject:    Substitute(t.Subject, vars),
		HTML:       Substitute(t.HTML, vars),
		Text:       Substitute(t.Text, vars),
		Variables:  vars,
	}
}
