package rules

import (
	"fmt"
	"time"
)

// ContextVersion is the current layout version of Context
const ContextVersion = 1

// Context is the data snapshot passed into condition evaluation and interpolation.
// Sections are optional; a rule that needs a missing section fails closed
// (conditions) or fails the action (MissingContextError).
type Context struct {
	Version int             `json:"version,omitempty"`
	Timer   *TimerContext   `json:"timer,omitempty"`
	Issue   *IssueContext   `json:"issue,omitempty"`
	User    *UserContext    `json:"user,omitempty"`
	Current *CurrentContext `json:"current,omitempty"`

	// Vars holds free-form values addressable by custom conditions and placeholders
	Vars map[string]any `json:"vars,omitempty"`
}

// TimerContext describes the time-tracking timer an event refers to
type TimerContext struct {
	ID        string     `json:"id,omitempty"`
	Status    string     `json:"status,omitempty"`
	ElapsedMs int64      `json:"elapsedMs"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
}

// IssueContext describes the tracker issue an event refers to
type IssueContext struct {
	ID               string `json:"id,omitempty"`
	Key              string `json:"key,omitempty"`
	Summary          string `json:"summary,omitempty"`
	State            string `json:"state,omitempty"`
	ProjectShortName string `json:"projectShortName,omitempty"`
	Assignee         string `json:"assignee,omitempty"`
}

// UserContext describes the user that caused the event
type UserContext struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Login string `json:"login,omitempty"`
	Role  string `json:"role,omitempty"`
	Email string `json:"email,omitempty"`
}

// CurrentContext carries the evaluation instant
type CurrentContext struct {
	Time time.Time `json:"time"`
}

var reservedContextKeys = map[string]bool{
	"timer":   true,
	"issue":   true,
	"user":    true,
	"current": true,
}

// Validate checks the context once at event ingress
func (c Context) Validate() error {
	if c.Version != 0 && c.Version != ContextVersion {
		return fmt.Errorf("%w: unsupported context version %d", ErrInvalidContext, c.Version)
	}
	if c.Timer != nil && c.Timer.ElapsedMs < 0 {
		return fmt.Errorf("%w: timer.elapsedMs cannot be negative", ErrInvalidContext)
	}
	for key := range c.Vars {
		if key == "" {
			return fmt.Errorf("%w: vars cannot contain an empty key", ErrInvalidContext)
		}
		if reservedContextKeys[key] {
			return fmt.Errorf("%w: vars key %q shadows a context section", ErrInvalidContext, key)
		}
	}
	return nil
}

// Clone returns a deep copy of the context
func (c Context) Clone() Context {
	out := Context{Version: c.Version, Vars: cloneMap(c.Vars)}
	if c.Timer != nil {
		t := *c.Timer
		if c.Timer.StartedAt != nil {
			started := *c.Timer.StartedAt
			t.StartedAt = &started
		}
		out.Timer = &t
	}
	if c.Issue != nil {
		i := *c.Issue
		out.Issue = &i
	}
	if c.User != nil {
		u := *c.User
		out.User = &u
	}
	if c.Current != nil {
		cur := *c.Current
		out.Current = &cur
	}
	return out
}

// Map renders the context as the generic tree used for dot-path lookups.
// Empty string fields are left out so placeholders referencing them stay unresolved.
func (c Context) Map() map[string]any {
	m := make(map[string]any, len(c.Vars)+4)
	for k, v := range c.Vars {
		m[k] = v
	}

	if c.Timer != nil {
		timer := map[string]any{"elapsedMs": c.Timer.ElapsedMs}
		putString(timer, "id", c.Timer.ID)
		putString(timer, "status", c.Timer.Status)
		if c.Timer.StartedAt != nil {
			timer["startedAt"] = c.Timer.StartedAt.Format(time.RFC3339)
		}
		m["timer"] = timer
	}
	if c.Issue != nil {
		issue := map[string]any{}
		putString(issue, "id", c.Issue.ID)
		putString(issue, "key", c.Issue.Key)
		putString(issue, "summary", c.Issue.Summary)
		putString(issue, "state", c.Issue.State)
		putString(issue, "projectShortName", c.Issue.ProjectShortName)
		putString(issue, "assignee", c.Issue.Assignee)
		m["issue"] = issue
	}
	if c.User != nil {
		user := map[string]any{}
		putString(user, "id", c.User.ID)
		putString(user, "name", c.User.Name)
		putString(user, "login", c.User.Login)
		putString(user, "role", c.User.Role)
		putString(user, "email", c.User.Email)
		m["user"] = user
	}
	if c.Current != nil {
		m["current"] = map[string]any{
			"time": c.Current.Time.Format(time.RFC3339),
			"hour": c.Current.Time.Hour(),
		}
	}
	return m
}

func putString(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}
