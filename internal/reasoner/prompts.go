package reasoner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/crossquery/pkg/models"
)

const rankSystem = `You route user queries across a fixed set of enterprise data sources.
Score every candidate source for how likely it is to hold information relevant to the query.
Respond with a JSON array only, no prose and no code fences. Each element:
{"provider_id": "<id>", "confidence": <number 0.0-1.0>, "reasoning": "<one sentence>", "suggested_approach": "<how to query this source>"}
Score 0 for sources that cannot help. Never invent provider ids.`

const selectSystem = `You answer a question using the tools of one data source.
Call whichever tools retrieve the information the question needs; issue several calls in one turn when they are independent.
When the gathered results answer the question, stop calling tools and reply with a short factual summary of what was found.
If the results show this source holds nothing relevant, say so plainly.`

const synthesisSystem = `You combine findings from several enterprise data sources into one answer.
Organize the answer into short plain-text sections grouped by topic, not by source, and name the source id in parentheses where a fact came from.
Use simple bullet points where they help. No emoji.
If sources disagree, note the discrepancy instead of picking a side.`

// providerHints describes what each known provider holds, for the ranking
// prompt. The detector's keyword sets cover the same ground mechanically.
var providerHints = map[models.ProviderID]string{
	models.ProviderTickets:     "issue and ticket tracker (bugs, tasks, sprints, assignees)",
	models.ProviderChat:        "team chat history (channels, threads, direct messages)",
	models.ProviderObjectStore: "object storage (documents, exports, uploaded files)",
	models.ProviderMail:        "mailboxes (messages, threads, attachments)",
	models.ProviderDB:          "operational database (structured business records)",
	models.ProviderCodeHost:    "code hosting (repositories, pull requests, commits)",
	models.ProviderShop:        "commerce backend (orders, customers, products)",
}

func buildRankPrompt(query string, candidates []models.Provider) string {
	var b strings.Builder
	b.WriteString("Query:\n")
	b.WriteString(query)
	b.WriteString("\n\nCandidate sources:\n")
	for _, p := range candidates {
		hint := providerHints[p.ID]
		if hint == "" {
			hint = p.DisplayName
		} else if p.DisplayName != "" {
			hint = fmt.Sprintf("%s, %s", p.DisplayName, hint)
		}
		fmt.Fprintf(&b, "- %s: %s\n", p.ID, hint)
	}
	return b.String()
}

// parseRelevance extracts the ranked provider list from the model's text.
// Models wrap JSON in prose or fences often enough that we locate the array
// by bracket rather than trusting the whole body. Entries naming providers
// outside the candidate set are dropped; confidences are clamped to [0,1].
func parseRelevance(text string, candidates []models.Provider) ([]models.ProviderRelevance, error) {
	raw := extractJSONArray(text)
	if raw == "" {
		return nil, models.NewError(models.CodeToolExecution, "ranking response did not contain a JSON array")
	}

	var entries []struct {
		Provider          string  `json:"provider_id"`
		Confidence        float64 `json:"confidence"`
		Reasoning         string  `json:"reasoning"`
		SuggestedApproach string  `json:"suggested_approach"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, models.WrapError(models.CodeToolExecution, "ranking response is not valid JSON", err)
	}

	allowed := make(map[models.ProviderID]bool, len(candidates))
	for _, p := range candidates {
		allowed[p.ID] = true
	}

	out := make([]models.ProviderRelevance, 0, len(entries))
	for _, e := range entries {
		id := models.ProviderID(strings.TrimSpace(e.Provider))
		if !allowed[id] {
			continue
		}
		conf := e.Confidence
		if conf < 0 {
			conf = 0
		}
		if conf > 1 {
			conf = 1
		}
		out = append(out, models.ProviderRelevance{
			Provider:          id,
			Confidence:        conf,
			Reasoning:         strings.TrimSpace(e.Reasoning),
			SuggestedApproach: strings.TrimSpace(e.SuggestedApproach),
		})
	}
	return out, nil
}

// extractJSONArray returns the outermost bracketed span of text, or "".
func extractJSONArray(text string) string {
	start := strings.IndexByte(text, '[')
	end := strings.LastIndexByte(text, ']')
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
