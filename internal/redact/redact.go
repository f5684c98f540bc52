// Package redact replaces personal data and secret-shaped tokens with typed
// placeholders before text is written to the forensics log.
package redact

import (
	"regexp"
	"strings"
	"unicode"
)

// Placeholders substituted for matched substrings.
const (
	Email        = "<EMAIL>"
	Phone        = "<PHONE>"
	APIKey       = "<API_KEY>"
	CreditCard   = "<CC_NUMBER>"
	IPAddress    = "<IP_ADDRESS>"
	SSN          = "<SSN>"
	AWSAccessKey = "<AWS_ACCESS_KEY>"
	AWSSecretKey = "<AWS_SECRET_KEY>"
)

// Rule is one redaction pattern. Rules run in slice order.
type Rule struct {
	Name        string
	Placeholder string

	re *regexp.Regexp
	// keepPrefix replaces only the secret part and leaves capture group 1 intact.
	keepPrefix bool
	accept     func(match string) bool
}

func (r Rule) apply(s string) string {
	if r.keepPrefix {
		return r.re.ReplaceAllString(s, "${1}"+r.Placeholder)
	}
	return r.re.ReplaceAllStringFunc(s, func(m string) string {
		if r.accept != nil && !r.accept(m) {
			return m
		}
		return r.Placeholder
	})
}

// Phone numbers are 3-3-4 digit groups and SSNs are 3-2-4, so the two
// patterns cannot overlap regardless of order.
var rules = []Rule{
	{
		Name:        "email",
		Placeholder: Email,
		re:          regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	},
	{
		Name:        "phone",
		Placeholder: Phone,
		re:          regexp.MustCompile(`(?:(?:\+|\b)1[-.\s])?(?:\(\d{3}\)\s?|\b\d{3}[-.\s]?)\d{3}[-.\s]?\d{4}\b`),
	},
	{
		Name:        "api_key",
		Placeholder: APIKey,
		re:          regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_\-]{16,}|\b[A-Za-z0-9_\-]{32,}`),
		accept:      looksLikeSecret,
	},
	{
		Name:        "credit_card",
		Placeholder: CreditCard,
		re:          regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`),
	},
	{
		Name:        "ipv4",
		Placeholder: IPAddress,
		re:          regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\b`),
	},
	{
		Name:        "ssn",
		Placeholder: SSN,
		re:          regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	},
	{
		Name:        "aws_access_key",
		Placeholder: AWSAccessKey,
		re:          regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
	},
	{
		Name:        "aws_secret_key",
		Placeholder: AWSSecretKey,
		re:          regexp.MustCompile(`(?i)(aws_?secret_?(?:access_?)?key["']?\s*[:=]\s*["']?)[A-Za-z0-9/+]{40}`),
		keepPrefix:  true,
	},
}

// Redact returns s with every matched substring replaced by its placeholder.
// All other bytes are preserved. Redact is idempotent.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, r := range rules {
		s = r.apply(s)
	}
	return s
}

// Rules returns the ordered rule list.
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// looksLikeSecret filters the generic long-token alternative so that long
// identifiers made only of letters, or snake_case names, are left alone.
func looksLikeSecret(m string) bool {
	if strings.HasPrefix(m, "sk-") || strings.HasPrefix(m, "pk-") || strings.HasPrefix(m, "rk-") {
		return true
	}
	var letters, digits, seps int
	for _, r := range m {
		switch {
		case unicode.IsLetter(r):
			letters++
		case unicode.IsDigit(r):
			digits++
		default:
			seps++
		}
	}
	return letters > 0 && digits > 0 && seps*8 <= len(m)
}
