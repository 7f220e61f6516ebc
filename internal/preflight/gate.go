// Package preflight is the sole security checkpoint ahead of any external
// call. It classifies queries for secrets, PII and prompt injection, and
// decides whether the request may proceed and whether web search is allowed.
package preflight

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/contextgate/contextgate/internal/trace"
)

// Decision is the gate's verdict for a query.
type Decision string

const (
	DecisionAllow       Decision = "allow"
	DecisionAllowMasked Decision = "allow_masked"
	DecisionBlock       Decision = "block"
	DecisionRateLimited Decision = "rate_limited"
)

// Result is the outcome of a preflight check.
type Result struct {
	Decision       Decision    `json:"decision"`
	OriginalQuery  string      `json:"-"` // never serialized: may contain secrets
	SanitizedQuery string      `json:"sanitized_query"`
	Detections     []Detection `json:"detections,omitempty"`
	AllowWebSearch bool        `json:"allow_web_search"`
	Reason         string      `json:"reason,omitempty"`
}

// Config controls sanitization behavior.
type Config struct {
	// StrictMode strips injection spans entirely instead of replacing them
	// with an opaque placeholder.
	StrictMode bool
}

// Gate classifies queries before any external service is contacted.
type Gate struct {
	cfg Config
}

// NewGate constructs a preflight gate.
func NewGate(cfg Config) *Gate {
	return &Gate{cfg: cfg}
}

// Check classifies the query. Evaluation order is fixed: block-level
// secrets/PII first, then prompt injection, then clean. The first category
// with a match determines the action.
func (g *Gate) Check(traceID, query, userID string) Result {
	if traceID == "" {
		traceID = trace.New()
	}

	if detections := matchBlockPatterns(query); len(detections) > 0 {
		reason := blockReason(detections)
		log.Warn().
			Str("trace_id", traceID).
			Str("user_id", userID).
			Str("detection", string(detections[0].Type)).
			Int("detections", len(detections)).
			Msg("Preflight blocked query")
		return Result{
			Decision:       DecisionBlock,
			OriginalQuery:  query,
			SanitizedQuery: "",
			Detections:     detections,
			AllowWebSearch: false,
			Reason:         reason,
		}
	}

	if detections := matchInjectionPatterns(query); len(detections) > 0 {
		sanitized := g.sanitize(query, detections)
		log.Info().
			Str("trace_id", traceID).
			Str("user_id", userID).
			Int("detections", len(detections)).
			Msg("Preflight sanitized prompt injection")
		return Result{
			Decision:       DecisionAllowMasked,
			OriginalQuery:  query,
			SanitizedQuery: sanitized,
			Detections:     detections,
			// Injection attempts never reach external search providers.
			AllowWebSearch: false,
		}
	}

	return Result{
		Decision:       DecisionAllow,
		OriginalQuery:  query,
		SanitizedQuery: query,
		AllowWebSearch: true,
	}
}

func matchBlockPatterns(query string) []Detection {
	var detections []Detection
	for _, p := range blockPatterns {
		for _, loc := range p.re.FindAllStringIndex(query, -1) {
			if p.validate != nil && !p.validate(query[loc[0]:loc[1]]) {
				continue
			}
			detections = append(detections, Detection{
				Type:     p.kind,
				Severity: SeverityHigh,
				Start:    loc[0],
				End:      loc[1],
			})
		}
	}
	sortDetections(detections)
	return detections
}

// ScanInjection returns prompt-injection detections for arbitrary text. The
// context sanitizer shares this table so retrieved content and user queries
// are screened against the same patterns.
func ScanInjection(text string) []Detection {
	return matchInjectionPatterns(text)
}

func matchInjectionPatterns(query string) []Detection {
	var detections []Detection
	for _, p := range injectionPatterns {
		for _, loc := range p.re.FindAllStringIndex(query, -1) {
			detections = append(detections, Detection{
				Type:     DetectPromptInjection,
				Severity: p.severity,
				Start:    loc[0],
				End:      loc[1],
			})
		}
	}
	sortDetections(detections)
	return detections
}

func sortDetections(ds []Detection) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].Start != ds[j].Start {
			return ds[i].Start < ds[j].Start
		}
		return ds[i].End > ds[j].End
	})
}

// sanitize removes or masks detected spans, working in reverse order so
// earlier offsets stay valid, then normalizes whitespace.
func (g *Gate) sanitize(query string, detections []Detection) string {
	out := query
	for i := len(detections) - 1; i >= 0; i-- {
		d := detections[i]
		if d.Start < 0 || d.End > len(out) || d.Start >= d.End {
			continue
		}
		replacement := ""
		if !g.cfg.StrictMode {
			replacement = fmt.Sprintf("[SANITIZED: %d chars]", d.End-d.Start)
		}
		out = out[:d.Start] + replacement + out[d.End:]
	}
	return normalizeWhitespace(out)
}

var (
	controlRE    = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
	whitespaceRE = regexp.MustCompile(`[ \t]{2,}`)
	newlineRE    = regexp.MustCompile(`\n{3,}`)
)

func normalizeWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = controlRE.ReplaceAllString(s, "")
	s = whitespaceRE.ReplaceAllString(s, " ")
	s = newlineRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// blockReason selects the user-facing message from the first high-severity
// detection. The original query text is never echoed back.
func blockReason(detections []Detection) string {
	var first DetectionType
	for _, d := range detections {
		if d.Severity == SeverityHigh {
			first = d.Type
			break
		}
	}
	if first == "" {
		first = detections[0].Type
	}

	switch first {
	case DetectSSN:
		return "Request blocked: please remove Social Security Number (ssn) before retrying"
	case DetectCreditCard:
		return "Request blocked: please remove payment information (credit_card) before retrying"
	case DetectAPIKey:
		return "Request blocked: please remove API key or secret (api_key) before retrying"
	case DetectPassword:
		return "Request blocked: please remove password (password) before retrying"
	case DetectEmail:
		return "Request blocked: please remove email address (email) before retrying"
	case DetectPhone:
		return "Request blocked: please remove phone number (phone) before retrying"
	case DetectSQLInjection:
		return "Request blocked: query contains disallowed SQL patterns (sql_injection)"
	case DetectCommandInjection:
		return "Request blocked: query contains disallowed shell patterns (command_injection)"
	default:
		return fmt.Sprintf("Request blocked: sensitive content detected (%s)", first)
	}
}
