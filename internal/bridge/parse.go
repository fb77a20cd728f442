package bridge

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// uuidPattern matches a UUID-shaped token anywhere in a bot reply. Matches
// are validated with uuid.Parse before being trusted.
var uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// failurePhrases are the ways the bridge bot words a failed resolution.
// Matching is case-insensitive substring search.
var failurePhrases = []string{
	"not registered",
	"not signed up",
	"failed to resolve",
	"could not resolve",
	"no such user",
	"unknown identifier",
}

// ExtractToken pulls the first valid UUID out of a bot reply and returns it
// in canonical lowercase form.
func ExtractToken(body string) (string, bool) {
	match := uuidPattern.FindString(body)
	if match == "" {
		return "", false
	}
	token, err := uuid.Parse(match)
	if err != nil {
		return "", false
	}
	return token.String(), true
}

// IsFailureReply reports whether a bot reply is a recognized way of saying
// the identifier could not be resolved.
func IsFailureReply(body string) bool {
	lower := strings.ToLower(body)
	for _, phrase := range failurePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// matchesGhost reports whether a member MXID embeds the identity token.
// The bridge's ghost users carry the token in their localpart.
func matchesGhost(userID, token string) bool {
	if token == "" {
		return false
	}
	return strings.Contains(strings.ToLower(userID), strings.ToLower(token))
}
