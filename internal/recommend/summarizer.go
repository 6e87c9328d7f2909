package recommend

import (
	"context"
	"fmt"
	"log"
	"strings"

	"ordercall/internal/ai"
)

const summarizeSystemPrompt = "You are a professional sourcing specialist who creates clear, concise sourcing requirements."

const summarizePromptTemplate = `You are a sourcing specialist. Based on the following conversation, create a concise sourcing requirement that captures the key details needed for procurement.

Conversation:
%s

Please create a sourcing requirement that includes:
1. What is being sourced (product/service)
2. Quantity needed
3. Location/delivery requirements
4. Budget constraints
5. Timeline requirements
6. Any special requirements or preferences

Format the response as a clear, professional sourcing requirement that can be used to contact suppliers.

Sourcing Requirement:
`

// fallbackPrefixLen bounds the substitute requirement when the LLM fails.
const fallbackPrefixLen = 200

type Summarizer struct {
	provider ai.Provider
}

func NewSummarizer(provider ai.Provider) *Summarizer {
	return &Summarizer{provider: provider}
}

// Summarize condenses a conversation transcript into one sourcing
// requirement. A provider failure degrades to a truncated transcript
// prefix instead of an error, so call campaigns still carry context.
func (s *Summarizer) Summarize(ctx context.Context, conversationText string) (string, error) {
	log.Printf("[SUMMARIZER] summarizing conversation (%d chars)", len(conversationText))

	out, err := s.provider.Chat(ctx, []ai.Message{
		{Role: "system", Content: summarizeSystemPrompt},
		{Role: "user", Content: fmt.Sprintf(summarizePromptTemplate, conversationText)},
	})
	if err != nil {
		log.Printf("[SUMMARIZER] provider error, using fallback: %v", err)
		return fallbackRequirement(conversationText), nil
	}

	out = strings.TrimSpace(out)
	if out == "" {
		return fallbackRequirement(conversationText), nil
	}
	return out, nil
}

func fallbackRequirement(conversationText string) string {
	prefix := conversationText
	if len(prefix) > fallbackPrefixLen {
		prefix = prefix[:fallbackPrefixLen]
	}
	return fmt.Sprintf("Sourcing requirement based on conversation: %s...", prefix)
}
