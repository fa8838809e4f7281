// ABOUTME: Detection of escalation intent in assistant replies and resolution
// ABOUTME: intent in operator messages; marker protocol first, keywords second

package escalation

import (
	"fmt"
	"strings"
)

// MarkerPrefix is the out-of-band escalation marker the assistant emits on its
// own line. Everything after the prefix on that line is the escalation reason.
const MarkerPrefix = "ESCALATE:"

// DefaultKeywords is the fallback heuristic applied when no explicit marker is
// present in an assistant reply.
var DefaultKeywords = []string{
	"connect you with my manager",
	"human agent",
	"escalate",
}

// DefaultResolutionKeywords match operator messages that hand a conversation
// back to the bot.
var DefaultResolutionKeywords = []string{
	"resolved",
	"done",
	"back to bot",
}

// Detection is the result of scanning an assistant reply.
type Detection struct {
	// Escalate reports whether the reply signals a hand-off to a human.
	Escalate bool
	// Reason is the marker's trailing text, or a keyword description for the
	// heuristic path. Empty when Escalate is false.
	Reason string
	// CleanText is the user-visible reply with any marker lines stripped.
	CleanText string
}

// Detector scans assistant and operator text for ownership-transition intent.
// The explicit marker protocol is authoritative; the keyword lists are a
// best-effort heuristic kept separately testable.
type Detector struct {
	keywords   []string
	resolution []string
}

// NewDetector creates a Detector. Nil keyword slices fall back to the
// package defaults.
func NewDetector(keywords, resolutionKeywords []string) *Detector {
	if keywords == nil {
		keywords = DefaultKeywords
	}
	if resolutionKeywords == nil {
		resolutionKeywords = DefaultResolutionKeywords
	}
	return &Detector{
		keywords:   lowerAll(keywords),
		resolution: lowerAll(resolutionKeywords),
	}
}

// ScanReply inspects an assistant reply. Marker lines are stripped from the
// returned CleanText whether or not the rest of the reply is empty; callers
// decide what to send when nothing user-visible remains.
func (d *Detector) ScanReply(reply string) Detection {
	lines := strings.Split(reply, "\n")
	kept := make([]string, 0, len(lines))
	var marked bool
	var reason string

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, MarkerPrefix) {
			marked = true
			reason = strings.TrimSpace(strings.TrimPrefix(trimmed, MarkerPrefix))
			continue
		}
		kept = append(kept, line)
	}

	clean := strings.TrimSpace(strings.Join(kept, "\n"))
	if marked {
		return Detection{Escalate: true, Reason: reason, CleanText: clean}
	}

	if kw := matchKeyword(clean, d.keywords); kw != "" {
		return Detection{
			Escalate:  true,
			Reason:    fmt.Sprintf("reply matched keyword %q", kw),
			CleanText: clean,
		}
	}

	return Detection{CleanText: clean}
}

// IsResolution reports whether an operator message signals that the
// conversation should return to the bot.
func (d *Detector) IsResolution(text string) bool {
	return matchKeyword(text, d.resolution) != ""
}

// matchKeyword returns the first keyword found in text, case-insensitively.
func matchKeyword(text string, keywords []string) string {
	lowered := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lowered, kw) {
			return kw
		}
	}
	return ""
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
