package conversation

import "strings"

// Labels are the speaker names used when rendering turns.
type Labels struct {
	User  string
	Agent string
}

// DefaultLabels renders turns as "User: ..." and "Agent: ...".
var DefaultLabels = Labels{User: "User", Agent: "Agent"}

func (l Labels) For(s Speaker) string {
	if s == SpeakerAgent {
		if l.Agent == "" {
			return DefaultLabels.Agent
		}
		return l.Agent
	}
	if l.User == "" {
		return DefaultLabels.User
	}
	return l.User
}

// RenderTurn formats a single turn as "<label>: <text>\n".
func RenderTurn(t Turn, labels Labels) string {
	return labels.For(t.Speaker) + ": " + t.Text + "\n"
}

// Render formats turns one per block, separated by a blank line.
// It returns "" for no turns.
func Render(turns []Turn, labels Labels) string {
	parts := make([]string, len(turns))
	for i, t := range turns {
		parts[i] = RenderTurn(t, labels)
	}
	return strings.Join(parts, "\n")
}
