package generator

import (
	"fmt"
	"strings"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"appbuilder/internal/attachments"
	"appbuilder/internal/domain"
)

const (
	inlineAttachmentLimit = 16 << 10
	prevReadmeLimit       = 12 << 10
)

const systemPrompt = `You are a senior web developer. You build small, self-contained static web apps that run on GitHub Pages with no build step.
Answer with a single JSON object of the form {"files": {"<relative path>": "<file content>"}} and nothing else.`

// BuildPrompt renders the user prompt shared by every backend.
func BuildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Brief\n%s\n\n", strings.TrimSpace(req.Brief))

	if len(req.Checks) > 0 {
		b.WriteString("## Evaluation checks\nThe app must satisfy all of these:\n")
		for i, c := range req.Checks {
			fmt.Fprintf(&b, "%d. %s\n", i+1, c)
		}
		b.WriteByte('\n')
	}

	if len(req.Attachments) > 0 {
		b.WriteString("## Attachments\n")
		if req.Round <= 1 {
			b.WriteString("These files are committed at the repository root next to your files:\n")
		} else {
			b.WriteString("These files came with this round's request. They are not in the repository, so inline or embed what the app needs:\n")
		}
		for _, att := range req.Attachments {
			fmt.Fprintf(&b, "- %s (%s)\n", att.Name, att.MIME)
			if inline := inlineContent(att); inline != "" {
				fmt.Fprintf(&b, "```\n%s\n```\n", inline)
			}
		}
		b.WriteByte('\n')
	}

	if req.Round <= 1 {
		b.WriteString("## Round 1\nCreate the app from scratch.\n\n")
	} else {
		fmt.Fprintf(&b, "## Round %d\nRevise the existing app to satisfy the brief above. Keep what already works and return the full content of every file you change.\n\n", req.Round)
		if req.PrevReadme != nil && strings.TrimSpace(*req.PrevReadme) != "" {
			readme := *req.PrevReadme
			if outline := Outline([]byte(readme)); len(outline) > 0 {
				fmt.Fprintf(&b, "Previous README outline:\n%s\n", formatOutline(outline))
			}
			readme = truncateUTF8(readme, prevReadmeLimit)
			fmt.Fprintf(&b, "Previous README:\n```markdown\n%s\n```\n\n", readme)
		}
	}

	b.WriteString("## Requirements\n")
	b.WriteString("- Always include `index.html` as the entry point.\n")
	b.WriteString("- Always include a professional `README.md` with a summary, setup, usage, code explanation and license section.\n")
	b.WriteString("- Use only relative paths inside the repository.\n")
	return b.String()
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func inlineContent(att domain.SavedAttachment) string {
	if !domain.IsTextAttachment(att.Name, att.MIME) {
		return ""
	}
	data, err := attachments.ReadFile(att)
	if err != nil {
		log.WithError(err).WithField("attachment", att.Name).Warn("generator: attachment unreadable")
		return ""
	}
	if len(data) > inlineAttachmentLimit || !utf8.Valid(data) {
		return ""
	}
	return strings.TrimRight(string(data), "\n")
}
