package chat

import "strings"

// AllowList restricts which senders the bot answers. An empty list allows
// everyone.
type AllowList []string

// Allows matches senderID and senderName against the list. Entries may be a
// user id, a username with or without a leading "@", or the compound
// "id|username" form.
func (a AllowList) Allows(senderID, senderName string) bool {
	if len(a) == 0 {
		return true
	}

	for _, allowed := range a {
		trimmed := strings.TrimPrefix(strings.TrimSpace(allowed), "@")
		if trimmed == "" {
			continue
		}
		allowedID := trimmed
		allowedUser := ""
		if idx := strings.Index(trimmed, "|"); idx > 0 {
			allowedID = trimmed[:idx]
			allowedUser = trimmed[idx+1:]
		}

		if senderID != "" && (senderID == trimmed || senderID == allowedID) {
			return true
		}
		if senderName != "" && (senderName == trimmed || senderName == allowedUser) {
			return true
		}
	}

	return false
}
