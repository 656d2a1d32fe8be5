package stream

import "strings"

// Lead-ins that mark an assistant fragment as planning rather than answer.
// Matching is prefix-based on the trimmed fragment, ASCII case-insensitive.
var thinkingLeadIns = []string{
	"i need to",
	"i'll need to",
	"i will need to",
	"let me",
	"first, i'll",
	"first, i will",
	"first i'll",
	"to answer this",
	"我需要",
	"让我",
	"首先",
	"我先",
}

// Lead-ins that mark a fragment as the answer synthesized from tool output.
var responseLeadIns = []string{
	"based on the results",
	"based on the search",
	"according to the results",
	"according to the search",
	"根据查询结果",
	"根据搜索结果",
	"基于搜索结果",
	"基于查询结果",
}

// Classify assigns a phase to an assistant text fragment. Unmatched text
// is "default"; callers treat the phase as advisory.
func Classify(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return PhaseDefault
	}
	for _, lead := range responseLeadIns {
		if strings.HasPrefix(t, lead) {
			return PhaseResponse
		}
	}
	for _, lead := range thinkingLeadIns {
		if strings.HasPrefix(t, lead) {
			return PhaseThinking
		}
	}
	return PhaseDefault
}
