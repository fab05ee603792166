package logger

import (
	"regexp"

	"go.uber.org/zap"
)

type maskRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Order matters: CNPJ before CPF, card before phone.
var maskRules = []maskRule{
	{regexp.MustCompile(`\d{2}\.\d{3}\.\d{3}/\d{4}-\d{2}`), "**.***.***/****-**"},
	{regexp.MustCompile(`\d{3}\.\d{3}\.\d{3}-\d{2}`), "***.***.***-**"},
	{regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`), "*****@*****.***"},
	{regexp.MustCompile(`\d{4}\s?\d{4}\s?\d{4}\s?\d{4}`), "**** **** **** ****"},
	{regexp.MustCompile(`\(\d{2}\)\s\d{4,5}-\d{4}`), "(**) *****-****"},
	{regexp.MustCompile(`(?i)"(password|senha)"\s*:\s*"[^"]*"`), `"$1": "****"`},
	{regexp.MustCompile(`(?i)\b(password|senha)=[^&\s]*`), `$1=****`},
}

// Mask redacts personal data (CNPJ, CPF, email, phone, card numbers and
// passwords) from request-derived text before it reaches a log sink
func Mask(s string) string {
	if s == "" {
		return s
	}
	for _, r := range maskRules {
		s = r.pattern.ReplaceAllString(s, r.replacement)
	}
	return s
}

// Masked is a zap.String whose value is passed through Mask
func Masked(key, value string) zap.Field {
	return zap.String(key, Mask(value))
}
