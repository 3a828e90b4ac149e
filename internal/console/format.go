package console

import (
	"errors"
	"fmt"
	"strings"

	"feedchat/internal/domain"
)

// maxSkills is how many extracted skills are shown before "+N more".
const maxSkills = 5

// FormatMessage renders one log entry as a single line.
func FormatMessage(m domain.Message, selfID string) string {
	who := m.Sender.Name
	if who == "" {
		who = m.Sender.ID
	}
	if m.Sender.ID == selfID {
		who = "you"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", m.Timestamp.Local().Format("15:04"), who, m.Content)
	if m.Kind == domain.KindDocument && m.Attachment != nil {
		fmt.Fprintf(&b, " [%s, %s]", m.Attachment.FileName, m.Attachment.FileType)
		if x := m.Attachment.Extracted; x != nil && len(x.Skills) > 0 {
			b.WriteString(" skills: ")
			b.WriteString(FormatSkills(x.Skills))
		}
	}
	switch m.State {
	case domain.StatePending:
		b.WriteString(" (sending)")
	case domain.StateFailed:
		b.WriteString(" (failed: " + m.FailureReason + ")")
	}
	return b.String()
}

// FormatSkills joins up to five skills and summarizes the rest.
func FormatSkills(skills []string) string {
	if len(skills) <= maxSkills {
		return strings.Join(skills, ", ")
	}
	return fmt.Sprintf("%s +%d more", strings.Join(skills[:maxSkills], ", "), len(skills)-maxSkills)
}

// ParseDocument builds an attachment from "/doc" arguments:
// <url> <name> <type> [skill,skill,...].
func ParseDocument(args []string) (*domain.Attachment, error) {
	if len(args) < 3 || len(args) > 4 {
		return nil, errors.New("usage: /doc <url> <name> <type> [skill,...]")
	}
	att := &domain.Attachment{FileURL: args[0], FileName: args[1], FileType: args[2]}
	if len(args) == 4 {
		var skills []string
		for _, s := range strings.Split(args[3], ",") {
			if s = strings.TrimSpace(s); s != "" {
				skills = append(skills, s)
			}
		}
		if len(skills) > 0 {
			att.Extracted = &domain.ExtractedMetadata{Skills: skills}
		}
	}
	return att, nil
}
