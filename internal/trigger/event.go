package trigger

import (
	"encoding/json"
	"fmt"
	"strings"
)

const zeroCommit = "0000000000000000000000000000000000000000"

// PushEvent is the subset of the GitHub push payload the dispatcher needs
type PushEvent struct {
	Ref     string `json:"ref"`
	After   string `json:"after"`
	Deleted bool   `json:"deleted"`

	Repository struct {
		Name     string `json:"name"`
		FullName string `json:"full_name"`
	} `json:"repository"`

	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
}

// ParsePushEvent decodes a push event payload
func ParsePushEvent(body []byte) (PushEvent, error) {
	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return PushEvent{}, fmt.Errorf("failed to parse push event: %w", err)
	}
	if event.Ref == "" || event.Repository.Name == "" {
		return PushEvent{}, fmt.Errorf("push event is missing ref or repository")
	}
	return event, nil
}

// Branch returns the pushed branch name, empty for tags and other refs
func (e PushEvent) Branch() string {
	branch, ok := strings.CutPrefix(e.Ref, "refs/heads/")
	if !ok {
		return ""
	}
	return branch
}

// IsBranchUpdate reports whether the event carries deployable commits.
// Branch deletions arrive as push events with an all-zero after hash.
func (e PushEvent) IsBranchUpdate() bool {
	return !e.Deleted && e.Branch() != "" && e.After != "" && e.After != zeroCommit
}
