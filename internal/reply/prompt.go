package reply

import (
	"strings"

	"dm-responder/internal/domain"
)

// DefaultSystemPrompt is used when the tenant has no override.
const DefaultSystemPrompt = "Sei l’assistente MF.AI. Rispondi in ITALIANO, tono amichevole e sintetico. " +
	"Mantieni il CONTINUUM della conversazione: non ri-iniziare con saluti se c’è già contesto. " +
	"Se l’utente risponde con una parola breve (es. 'Roma'), interpretala come risposta alla tua ultima domanda. " +
	"Fai al massimo UNA domanda di chiarimento per volta."

const (
	defaultContinuity  = " NON ripetere domande già fatte; usa le informazioni appena fornite dall’utente."
	overrideContinuity = "\nNon ripetere domande già fatte; usa le informazioni già emerse nel thread."
)

// systemPrompt returns the system instruction for a thread. Continuity
// reinforcement is added once the thread has prior turns.
func (g *Generator) systemPrompt(override string, hasHistory bool) string {
	override = strings.TrimSpace(override)
	if override == "" {
		base := strings.TrimSpace(g.defaultPrompt)
		if hasHistory {
			base += defaultContinuity
		}
		return base
	}
	if hasHistory {
		override += overrideContinuity
	}
	return override
}

// BuildMessages assembles one system entry followed by the most recent turns.
// history is expected to already contain the inbound turn being answered.
func (g *Generator) BuildMessages(systemOverride string, history []domain.Turn) []domain.ChatMessage {
	window := history
	if len(window) > g.historyWindow {
		window = window[len(window)-g.historyWindow:]
	}

	messages := make([]domain.ChatMessage, 0, len(window)+1)
	messages = append(messages, domain.ChatMessage{
		Role:    domain.RoleSystem,
		Content: g.systemPrompt(systemOverride, len(history) > 1),
	})
	for _, t := range window {
		if t.Role != domain.RoleUser && t.Role != domain.RoleAssistant {
			continue
		}
		content := strings.TrimSpace(t.Content)
		if content == "" {
			continue
		}
		messages = append(messages, domain.ChatMessage{Role: t.Role, Content: content})
	}
	return messages
}

func lastUserText(history []domain.Turn) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == domain.RoleUser {
			return history[i].Content
		}
	}
	return ""
}
