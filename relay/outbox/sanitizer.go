package outbox

import (
	"regexp"
	"strings"
	"unicode/utf8"

	constant "github.com/LerianStudio/lib-relay/relay/constants"
)

const (
	redactedValue        = "[REDACTED]"
	errorTruncatedSuffix = "... (truncated)"
)

// redactionRules run in order over every error text before it reaches
// last_error or a log line. Broker and driver errors echo URLs, headers and
// sometimes payload fragments.
var redactionRules = []struct {
	re   *regexp.Regexp
	repl string
}{
	// userinfo in amqp://, postgres://, mongodb:// ... URLs
	{regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`), `$1:` + redactedValue + `@`},
	{regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*\b`), "Bearer " + redactedValue},
	{regexp.MustCompile(`(?i)(authorization\s*:\s*basic\s+)[a-z0-9+/=]+`), `$1` + redactedValue},
	// JWT
	{regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`), redactedValue},
	{
		regexp.MustCompile(`(?i)\b(api[-_ ]?key|access[-_ ]?token|refresh[-_ ]?token|password|secret|` +
			`aws[_-]?secret[_-]?access[_-]?key|gcp[_-]?credentials|private[_-]?key|client[_-]?secret)\s*[:=]\s*([^\s,;]+)`),
		`$1=` + redactedValue,
	},
	{regexp.MustCompile(`(?i)([?&](?:password|pass|pwd|token|api[_-]?key|access[_-]?token|refresh[_-]?token)=)([^&\s]+)`), `$1` + redactedValue},
	// AWS access key ids
	{regexp.MustCompile(`\b(AKIA|ASIA)[A-Z0-9]{16}\b`), redactedValue},
	{regexp.MustCompile(`(?i)\b[A-Z0-9._%+\-]+@[A-Z0-9.\-]+\.[A-Z]{2,}\b`), redactedValue},
}

// Candidate card numbers; only Luhn-valid ones are redacted so timestamps
// and sequence numbers survive.
var cardNumberCandidate = regexp.MustCompile(`\b\d{12,19}\b`)

// SanitizeErrorMessage redacts credentials, tokens and card numbers from msg
// and truncates the result to maxRunes, suffix included. A non-positive
// maxRunes uses the dispatcher default. Blank input yields the generic
// failure text so last_error is never empty on a failed row.
func SanitizeErrorMessage(msg string, maxRunes int) string {
	if maxRunes <= 0 {
		maxRunes = constant.DefaultOutboxMaxErrorLength
	}

	text := strings.TrimSpace(msg)
	for _, rule := range redactionRules {
		text = rule.re.ReplaceAllString(text, rule.repl)
	}

	text = cardNumberCandidate.ReplaceAllStringFunc(text, func(digits string) string {
		if luhnValid(digits) {
			return redactedValue
		}

		return digits
	})

	if text == "" {
		return constant.OutboxDefaultFailureText
	}

	return truncateRunes(text, maxRunes, errorTruncatedSuffix)
}

func sanitizeError(err error, maxRunes int) string {
	if err == nil {
		return SanitizeErrorMessage("", maxRunes)
	}

	return SanitizeErrorMessage(err.Error(), maxRunes)
}

// StorableErrorText is what stores write to last_error: the generic failure
// text for blank input, otherwise errText cut to the column width.
func StorableErrorText(errText string) string {
	if isBlank(errText) {
		return constant.OutboxDefaultFailureText
	}

	return truncateRunes(errText, constant.OutboxLastErrorColumnLength, "")
}

func isBlank(value string) bool {
	return strings.TrimSpace(value) == ""
}

func luhnValid(digits string) bool {
	sum := 0

	for i := range len(digits) {
		d := int(digits[len(digits)-1-i] - '0')
		if d < 0 || d > 9 {
			return false
		}

		if i%2 == 1 {
			if d *= 2; d > 9 {
				d -= 9
			}
		}

		sum += d
	}

	return len(digits) > 0 && sum%10 == 0
}

// truncateRunes cuts s to at most limit runes, ending with suffix when cut.
func truncateRunes(s string, limit int, suffix string) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}

	keep := limit - utf8.RuneCountInString(suffix)
	if keep <= 0 {
		keep, suffix = limit, ""
	}

	cut := 0
	for range keep {
		_, size := utf8.DecodeRuneInString(s[cut:])
		cut += size
	}

	return s[:cut] + suffix
}
