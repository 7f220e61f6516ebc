package preflight

import "regexp"

// DetectionType identifies what a pattern matched.
type DetectionType string

const (
	DetectAPIKey           DetectionType = "api_key"
	DetectPassword         DetectionType = "password"
	DetectCreditCard       DetectionType = "credit_card"
	DetectSSN              DetectionType = "ssn"
	DetectEmail            DetectionType = "email"
	DetectPhone            DetectionType = "phone"
	DetectIPAddress        DetectionType = "ip_address"
	DetectPromptInjection  DetectionType = "prompt_injection"
	DetectSQLInjection     DetectionType = "sql_injection"
	DetectCommandInjection DetectionType = "command_injection"
)

// Severity grades a detection.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Detection is a single pattern match inside a query.
type Detection struct {
	Type     DetectionType `json:"type"`
	Severity Severity      `json:"severity"`
	Start    int           `json:"start"`
	End      int           `json:"end"`
	// Matched text is intentionally not retained: detections may describe
	// secrets and must never echo them.
}

// blockPattern is a secret/PII pattern whose presence blocks the request.
type blockPattern struct {
	kind DetectionType
	re   *regexp.Regexp
	// validate optionally rejects false positives (Luhn for card numbers).
	validate func(match string) bool
}

var blockPatterns = []blockPattern{
	// Vendor-prefixed API keys (OpenAI/Anthropic/Stripe style) and generic
	// long bearer-ish secrets.
	{kind: DetectAPIKey, re: regexp.MustCompile(`\b(sk|pk|rk)-[A-Za-z0-9_-]{16,}\b`)},
	{kind: DetectAPIKey, re: regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{kind: DetectAPIKey, re: regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{20,}=*`)},
	{kind: DetectAPIKey, re: regexp.MustCompile(`(?i)\bapi[_-]?key\b\s*[:=]\s*\S{8,}`)},

	{kind: DetectPassword, re: regexp.MustCompile(`(?i)\b(password|passwd|passphrase)\b\s*[:=]\s*\S+`)},

	{kind: DetectCreditCard, re: regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`), validate: luhnValid},

	{kind: DetectSSN, re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},

	{kind: DetectEmail, re: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},

	{kind: DetectPhone, re: regexp.MustCompile(`\b(\+?1[ -.]?)?\(?\d{3}\)?[ -.]\d{3}[ -.]\d{4}\b`)},

	{kind: DetectSQLInjection, re: regexp.MustCompile(`(?i)\b(union\s+select|drop\s+table|insert\s+into|delete\s+from)\b.*[;'"]|'\s*or\s+'?1'?\s*=\s*'?1`)},

	{kind: DetectCommandInjection, re: regexp.MustCompile("(?i)[;&|]\\s*(rm\\s+-rf|curl\\s+[^|]+\\|\\s*(ba)?sh|wget\\s+[^|]+\\|\\s*(ba)?sh|nc\\s+-e)|\\$\\(.*\\)|`[^`]+`")},
}

// injectionPattern is a prompt-injection pattern whose presence sanitizes the
// query and disables web search.
type injectionPattern struct {
	re       *regexp.Regexp
	severity Severity
}

var injectionPatterns = []injectionPattern{
	// Instruction overrides.
	{re: regexp.MustCompile(`(?i)\bignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|context)`), severity: SeverityHigh},
	{re: regexp.MustCompile(`(?i)\bdisregard\s+(all\s+)?(previous|prior|your)\s+(instructions?|rules?|guidelines?)`), severity: SeverityHigh},
	// System prompt extraction.
	{re: regexp.MustCompile(`(?i)\b(reveal|show|print|repeat|output)\b.{0,30}\b(system\s+prompt|initial\s+instructions?|hidden\s+instructions?)`), severity: SeverityHigh},
	// Role hijack.
	{re: regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(dan|in\s+developer\s+mode|unrestricted|jailbroken)`), severity: SeverityHigh},
	{re: regexp.MustCompile(`(?i)\b(enable|enter|activate)\s+(developer|dan|god)\s+mode\b`), severity: SeverityHigh},
	{re: regexp.MustCompile(`(?i)\bpretend\s+(you\s+are|to\s+be)\s+(an?\s+)?(unrestricted|unfiltered)`), severity: SeverityMedium},
	// Special tokens and chat-template markers.
	{re: regexp.MustCompile(`<\|im_(start|end)\|>`), severity: SeverityHigh},
	{re: regexp.MustCompile(`\[/?INST\]`), severity: SeverityHigh},
	{re: regexp.MustCompile(`<<\/?SYS>>`), severity: SeverityHigh},
	{re: regexp.MustCompile(`<\|(system|user|assistant|endoftext)\|>`), severity: SeverityHigh},
	// Tool invocation coercion.
	{re: regexp.MustCompile(`(?i)\b(call|invoke|execute|run)\s+the\s+\w+\s+tool\s+with\b`), severity: SeverityMedium},
	// Delimiter forgery against our own context fences.
	{re: regexp.MustCompile(`(?i)---\s*(BEGIN|END)\s+RETRIEVED\s+CONTEXT[^\n]*---`), severity: SeverityMedium},
}

// luhnValid reports whether the digits in match pass the Luhn checksum.
// Filters out arbitrary long digit runs that are not card numbers.
func luhnValid(match string) bool {
	var digits []int
	for _, r := range match {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
