package llm

import (
	"fmt"
	"strings"
)

// PlanningPrompt generates the prompt for the per-message retrieval
// planning call: one completion that classifies the message and emits
// the search queries to run. Conversation starts get an extra planning
// hint, since the message cannot rely on earlier turns for context.
func PlanningPrompt(message string, newConversation bool) string {
	hint := ""
	if newConversation {
		hint = "\nThis message OPENS A NEW CONVERSATION: there are no earlier turns to lean on, so prefer retrieving background (ongoing projects, recent decisions, standing preferences) over assuming shared context.\n"
	}
	return fmt.Sprintf(`You are a retrieval planning system for a personal memory store. Decide how much retrieval this message needs and which searches to run.

USER MESSAGE: %s
%s
Pick exactly one strategy:
- no_search: small talk or a message that needs no stored context
- relevant_context: needs a little targeted context (recent facts, preferences)
- deep_understanding: needs several targeted searches across different aspects
- comprehensive_analysis: broad or reflective (identity, values, full history), needs wide retrieval and cross-document reasoning

Rules:
- Emit 1-5 search queries for any strategy except no_search
- Each query is a short phrase (3-8 words) targeting one aspect
- Return ONLY a JSON object, no other text

Return a JSON object:
{"strategy": "no_search|relevant_context|deep_understanding|comprehensive_analysis", "queries": ["..."]}`, message, hint)
}

// SynthesisPrompt generates the cross-document synthesis prompt over a
// larger evidence set.
func SynthesisPrompt(message string, evidence []string) string {
	return fmt.Sprintf(`You are a memory synthesis system. Reason across all of the retrieved memories below and distill what they collectively say that bears on the user's message.

USER MESSAGE: %s

RETRIEVED MEMORIES:
%s

Rules:
- Connect related memories across documents; note recurring themes and contradictions
- Ignore memories irrelevant to the message
- Be concrete: cite the memory content you rely on, not its position
- Return plain text, no preamble`, message, strings.Join(evidence, "\n---\n"))
}

// ComposePrompt generates the final answer-composition prompt from the
// synthesized evidence.
func ComposePrompt(message, synthesis string) string {
	return fmt.Sprintf(`Compose a single coherent answer to the user's message from the synthesized evidence.

USER MESSAGE: %s

SYNTHESIZED EVIDENCE:
%s

Rules:
- Answer directly in the second person
- Ground every claim in the evidence; omit anything unsupported
- Return plain text only`, message, synthesis)
}
