// Package protocol names the bus subjects shared by the agent and
// external observers.
package protocol

import (
	"fmt"
	"strings"
)

const (
	subjectSessionPrefix    = "gradi.session."
	subjectTransitionSuffix = ".transition"

	// SubjectAnyTransition matches the transition stream of every
	// session.
	SubjectAnyTransition = "gradi.session.*.transition"
)

// SubjectSessionTransition returns the subject carrying one session's
// transition records.
func SubjectSessionTransition(sessionID string) string {
	return fmt.Sprintf("%s%s%s", subjectSessionPrefix, sessionID, subjectTransitionSuffix)
}

// SessionFromSubject extracts the session id from a transition subject,
// returning false for subjects outside the transition stream.
func SessionFromSubject(subject string) (string, bool) {
	if !strings.HasPrefix(subject, subjectSessionPrefix) || !strings.HasSuffix(subject, subjectTransitionSuffix) {
		return "", false
	}
	id := subject[len(subjectSessionPrefix) : len(subject)-len(subjectTransitionSuffix)]
	if id == "" || strings.Contains(id, ".") {
		return "", false
	}
	return id, true
}
