// ABOUTME: History sanitization applied before every capability invocation
// ABOUTME: Drops action results whose invocation is no longer adjacent in history

package state

// SanitizeHistory returns a copy of msgs with orphaned action results removed.
// A result is kept only when its action ID was invoked after the most recent
// user message, so stale results from interrupted or backtracked turns never
// reach a stage capability. Invocations themselves always survive.
func SanitizeHistory(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	open := make(map[string]bool)
	for _, msg := range msgs {
		switch msg.Role {
		case RoleUser:
			open = make(map[string]bool)
			out = append(out, msg)
		case RoleActionInvocation:
			if msg.ActionID != "" {
				open[msg.ActionID] = true
			}
			out = append(out, msg)
		case RoleActionResult:
			if msg.ActionID != "" && open[msg.ActionID] {
				delete(open, msg.ActionID)
				out = append(out, msg)
			}
		default:
			out = append(out, msg)
		}
	}
	return out
}
