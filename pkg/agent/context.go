package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tempoworks/tempo/pkg/llm"
	"github.com/tempoworks/tempo/pkg/models"
	"github.com/tempoworks/tempo/pkg/prompts"
	"github.com/tempoworks/tempo/pkg/session"
)

// buildContext assembles the LLM conversation: system prompt, cached
// summary of older history, parsed file content, and the recent window
// verbatim.
func (c *Controller) buildContext(ctx context.Context, sess *models.Session, turn Turn, userMsg models.ChatMessage, fileNotes []string, emit Emitter) ([]llm.Message, error) {
	systemPrompt, err := c.prompts.Get(prompts.System)
	if err != nil {
		return nil, err
	}
	if len(turn.Request.Context) > 0 {
		pageContext, err := json.Marshal(turn.Request.Context)
		if err == nil {
			systemPrompt += "\n\nPage context:\n" + string(pageContext)
		}
	}

	history, err := c.chat.History(ctx, sess.TenantID, sess.ID, 0)
	if err != nil {
		return nil, err
	}

	recentRounds := c.cfg.RecentRounds
	if recentRounds <= 0 {
		recentRounds = 6
	}
	summarizeAfter := c.cfg.SummarizeAfter
	if summarizeAfter <= 0 {
		summarizeAfter = 10
	}
	recentWindow := recentRounds * 2

	summary, err := c.bb.GetString(ctx, sess.TenantID, sess.ID, session.KeyChatSummary)
	if err != nil {
		return nil, err
	}
	if summary == "" && len(history) > summarizeAfter && len(history) > recentWindow {
		summary = c.summarize(ctx, sess, history[:len(history)-recentWindow], emit)
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: systemPrompt}}
	if summary != "" {
		messages = append(messages, llm.Message{
			Role:    llm.RoleSystem,
			Content: "Summary of the earlier conversation:\n" + summary,
		})
	}
	for _, note := range fileNotes {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: note})
	}

	recent := history
	if len(recent) > recentWindow {
		recent = recent[len(recent)-recentWindow:]
	}
	for _, entry := range recent {
		messages = append(messages, llm.Message{Role: entry.Role, Content: entry.Content})
	}

	// The user turn was persisted before history was read; only append it
	// when the window somehow dropped it.
	if len(recent) == 0 || recent[len(recent)-1].Content != userMsg.Content {
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: userMsg.Content})
	}
	return messages, nil
}

// summarize condenses older history through the LLM and caches the result.
// Failures fall back to no summary; the turn proceeds with the recent
// window only.
func (c *Controller) summarize(ctx context.Context, sess *models.Session, older []models.ChatEntry, emit Emitter) string {
	_ = emit.Emit(thinkingFrame(PhaseSummarize, "running", "Condensing earlier conversation", "", 0))

	prompt, err := c.prompts.Get(prompts.Summarize)
	if err != nil {
		c.logger.Warn("Summarize template missing", "error", err)
		return ""
	}

	var transcript strings.Builder
	for _, entry := range older {
		fmt.Fprintf(&transcript, "%s: %s\n", entry.Role, entry.Content)
	}

	reply, err := c.llm.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: prompt},
		{Role: llm.RoleUser, Content: transcript.String()},
	}, nil)
	if err != nil {
		c.logger.Warn("History summarization failed", "session_id", sess.ID, "error", err)
		_ = emit.Emit(thinkingFrame(PhaseSummarize, "failed", "Could not condense history", "", 100))
		return ""
	}

	summary := strings.TrimSpace(reply.Content)
	if summary != "" {
		if err := c.bb.Set(ctx, sess.TenantID, sess.ID, session.KeyChatSummary, summary); err != nil {
			c.logger.Warn("Failed to cache chat summary", "session_id", sess.ID, "error", err)
		}
	}
	_ = emit.Emit(thinkingFrame(PhaseSummarize, "success", "Condensed earlier conversation", "", 100))
	return summary
}
