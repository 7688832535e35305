package brief

import (
	"fmt"
	"strings"

	"github.com/anvil-online/crm-intel/internal/llm"
)

// IsInitial reports whether messages is the opening turn of a conversation:
// exactly one message, sent by the user. Only initial requests scrape the
// website.
func IsInitial(messages []llm.Message) bool {
	return len(messages) == 1 && messages[0].Role == llm.RoleUser
}

// AnalysisPrompt is the synthetic first user turn that asks for a brief.
func AnalysisPrompt(company, website string) string {
	return fmt.Sprintf("Analyse %s's website (%s) and provide a brief on who they are, what they do, and how Anvil's services could align with their needs.", company, website)
}

// SectionMessages frames a section request as a follow-up to the brief so
// the provider answers from it rather than from a fresh scrape.
func SectionMessages(company, website, brief, sectionPrompt string) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleUser, Content: fmt.Sprintf("Analyse %s's website (%s) and provide a brief.", company, website)},
		{Role: llm.RoleAssistant, Content: brief},
		{Role: llm.RoleUser, Content: sectionPrompt},
	}
}

// SystemPrompt renders the fixed instructions around the firm framing and
// the prospect's facts. websiteContent is spliced in only when non-empty.
func SystemPrompt(firmContext string, req Request, websiteContent string) string {
	var b strings.Builder
	b.WriteString("You are a sales intelligence assistant for Anvil.\n\n")
	b.WriteString(firmContext)
	b.WriteString("\n\nYou are analysing a prospect's company to help an Anvil consultant prepare for outreach.\n\n")
	fmt.Fprintf(&b, "Company: %s\nWebsite: %s\nContact: %s, %s", req.CompanyName, req.Website, req.ContactName, req.ContactRole)
	if websiteContent != "" {
		fmt.Fprintf(&b, "\n\n--- WEBSITE CONTENT (scraped from %s) ---\n%s\n--- END WEBSITE CONTENT ---", req.Website, websiteContent)
	}
	b.WriteString(guidelines)
	return b.String()
}

const guidelines = `

Guidelines:
- When first asked, provide a concise company brief covering:
  1. What the company does (use the actual website content provided above, not guesses)
  2. Key alignment points: where Anvil's operational systems expertise could add value
  3. Potential talking points for outreach
  4. Any relevant industry context
- Base your analysis on the actual website content provided. Do not fabricate or assume information not present in the content
- Keep responses concise, practical, and focused on actionable sales intelligence
- Use British English spelling
- Format with clear sections using markdown headers (##) and bullet points for scannability
- For follow-up questions, provide focused answers relevant to Anvil's sales process`
