// Package synthesize combines fan-out results into one natural-language
// answer. The reasoner streams the combined answer from a composed
// instruction; when no reasoner is available or it fails before producing
// anything, a deterministic per-source concatenation stands in, and when no
// source produced usable content a fixed fallback line is returned instead.
package synthesize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/crossquery/internal/observability"
	"github.com/haasonsaas/crossquery/internal/reasoner"
	"github.com/haasonsaas/crossquery/pkg/models"
)

// Fallback is the fixed answer when no source produced usable content.
const Fallback = "No results from configured sources for that query."

// defaultBlockCap bounds one source block inside the synthesis instruction,
// in characters including the ellipsis marker.
const defaultBlockCap = 2000

// Streamer is the reasoner surface synthesis drives. *reasoner.Reasoner
// satisfies it.
type Streamer interface {
	Synthesize(ctx context.Context, instruction string) (<-chan reasoner.Chunk, error)
}

// Result is the synthesized answer plus how it was produced.
type Result struct {
	Text string
	// Fallback is true when the deterministic path produced the text.
	Fallback bool
	// NoContent is true when no source leg produced usable content; Text is
	// the fixed fallback line and the response status should be failed.
	NoContent bool
}

// Synthesizer builds synthesis instructions and streams answers.
type Synthesizer struct {
	streamer Streamer
	logger   *observability.Logger
	blockCap int
}

// Options configures a Synthesizer. Streamer may be nil; every answer then
// takes the deterministic path.
type Options struct {
	Streamer Streamer
	Logger   *observability.Logger
	BlockCap int
}

// New builds a Synthesizer.
func New(opts Options) *Synthesizer {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	blockCap := opts.BlockCap
	if blockCap <= 0 {
		blockCap = defaultBlockCap
	}
	return &Synthesizer{streamer: opts.Streamer, logger: logger, blockCap: blockCap}
}

// Run synthesizes one answer from the leg results. emit, when non-nil,
// receives each text fragment as it is produced, including the single
// fragment of a deterministic answer. Only context cancellation returns an
// error; reasoner failures degrade to the deterministic path.
func (s *Synthesizer) Run(ctx context.Context, query string, results []models.SourceQueryResult, emit func(string)) (*Result, error) {
	usable := usableResults(results)
	unavailable := failedProviders(results)

	if len(usable) == 0 {
		return s.deliver(&Result{Text: Fallback, Fallback: true, NoContent: true}, emit), nil
	}
	if s.streamer == nil {
		return s.deliver(s.deterministic(usable, unavailable), emit), nil
	}

	instruction := s.buildInstruction(query, usable, unavailable)
	chunks, err := s.streamer.Synthesize(ctx, instruction)
	if err != nil {
		if isContextErr(err) {
			return nil, err
		}
		s.logger.Warn(ctx, "synthesis unavailable, using deterministic answer", "error", err)
		return s.deliver(s.deterministic(usable, unavailable), emit), nil
	}

	var b strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			if isContextErr(chunk.Err) {
				return nil, chunk.Err
			}
			// Keep partial text once fragments have been streamed; consumers
			// already saw them and a replacement would contradict the stream.
			if b.Len() > 0 {
				s.logger.Warn(ctx, "synthesis stream died mid-answer, keeping partial text", "error", chunk.Err)
				return &Result{Text: strings.TrimSpace(b.String())}, nil
			}
			s.logger.Warn(ctx, "synthesis failed, using deterministic answer", "error", chunk.Err)
			return s.deliver(s.deterministic(usable, unavailable), emit), nil
		}
		if chunk.Text != "" {
			b.WriteString(chunk.Text)
			if emit != nil {
				emit(chunk.Text)
			}
		}
		if chunk.Done {
			break
		}
	}

	text := strings.TrimSpace(b.String())
	if text == "" {
		return s.deliver(s.deterministic(usable, unavailable), emit), nil
	}
	return &Result{Text: text}, nil
}

func (s *Synthesizer) deliver(r *Result, emit func(string)) *Result {
	if emit != nil {
		emit(r.Text)
	}
	return r
}

// buildInstruction composes the synthesis prompt: the query, one capped
// block per source, and a note for sources that failed.
func (s *Synthesizer) buildInstruction(query string, usable []models.SourceQueryResult, unavailable []models.ProviderID) string {
	var b strings.Builder
	b.WriteString("Answer the user's query from the source findings below.\n\n")
	b.WriteString("Query:\n")
	b.WriteString(query)
	b.WriteString("\n\nFindings:\n")
	for _, r := range usable {
		block := fmt.Sprintf("\n[%s] %s\n", strings.ToUpper(string(r.Provider)), strings.TrimSpace(r.Summary))
		b.WriteString(truncateBlock(block, s.blockCap))
	}
	if len(unavailable) > 0 {
		b.WriteString("\nThese sources were unavailable and contributed nothing: ")
		b.WriteString(joinProviders(unavailable))
		b.WriteString(". State that in the answer.\n")
	}
	return b.String()
}

// deterministic concatenates the summaries verbatim, one section per
// provider, naming unavailable sources at the end.
func (s *Synthesizer) deterministic(usable []models.SourceQueryResult, unavailable []models.ProviderID) *Result {
	var b strings.Builder
	for i, r := range usable {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("[")
		b.WriteString(strings.ToUpper(string(r.Provider)))
		b.WriteString("]\n")
		b.WriteString(strings.TrimSpace(r.Summary))
	}
	if len(unavailable) > 0 {
		b.WriteString("\n\nUnavailable sources: ")
		b.WriteString(joinProviders(unavailable))
	}
	return &Result{Text: b.String(), Fallback: true}
}

// truncateBlock caps one block at n characters, ellipsis included.
func truncateBlock(block string, n int) string {
	if n <= 3 || utf8.RuneCountInString(block) <= n {
		return block
	}
	runes := []rune(block)
	return string(runes[:n-3]) + "..."
}

func usableResults(results []models.SourceQueryResult) []models.SourceQueryResult {
	var out []models.SourceQueryResult
	for _, r := range results {
		if r.Succeeded && strings.TrimSpace(r.Summary) != "" {
			out = append(out, r)
		}
	}
	return out
}

func failedProviders(results []models.SourceQueryResult) []models.ProviderID {
	var out []models.ProviderID
	for _, r := range results {
		if !r.Succeeded {
			out = append(out, r.Provider)
		}
	}
	return out
}

func joinProviders(ids []models.ProviderID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
