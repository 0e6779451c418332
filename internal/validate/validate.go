// Package validate holds the strict-schema validators ControlAPI applies to
// every mutating request before it touches the Store: project names,
// secret keys, and the small fixed enums spec'd for task goals and
// supervisor control actions.
package validate

import (
	"regexp"

	"github.com/exla-ai/synv2/internal/apierr"
)

const (
	maxProjectNameLength = 64
	maxSecretKeyLength   = 128
)

var (
	projectNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
	secretKeyPattern   = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)
)

// ProjectName validates a project name against the spec's DNS-label-like
// pattern (lowercase alphanumerics and interior hyphens only) and its
// 1-64 character length bound.
func ProjectName(name string) error {
	if len(name) > maxProjectNameLength {
		return apierr.Validationf("invalid project name %q: must be at most %d characters", name, maxProjectNameLength)
	}
	if !projectNamePattern.MatchString(name) {
		return apierr.Validationf("invalid project name %q: must match %s", name, projectNamePattern.String())
	}
	return nil
}

// SecretKey validates a secret key against the spec's SCREAMING_SNAKE_CASE
// pattern and its 128 character length bound.
func SecretKey(key string) error {
	if len(key) > maxSecretKeyLength {
		return apierr.Validationf("invalid secret key %q: must be at most %d characters", key, maxSecretKeyLength)
	}
	if !secretKeyPattern.MatchString(key) {
		return apierr.Validationf("invalid secret key %q: must match %s", key, secretKeyPattern.String())
	}
	return nil
}

// Direction enumerates a task goal's comparison direction.
func Direction(direction string) error {
	switch direction {
	case "above", "below":
		return nil
	default:
		return apierr.Validationf("invalid direction %q: must be %q or %q", direction, "above", "below")
	}
}

// TaskType enumerates a task's measurability.
func TaskType(t string) error {
	switch t {
	case "measurable", "subjective":
		return nil
	default:
		return apierr.Validationf("invalid task type %q: must be %q or %q", t, "measurable", "subjective")
	}
}

// SupervisorAction enumerates the actions ControlAPI's
// /supervisor/control endpoint accepts.
func SupervisorAction(action string) error {
	switch action {
	case "pause", "resume", "stop", "restart":
		return nil
	default:
		return apierr.Validationf("invalid supervisor action %q: must be one of pause, resume, stop, restart", action)
	}
}

// QuestionPriority enumerates the urgency of a task question.
func QuestionPriority(priority string) error {
	switch priority {
	case "question", "blocking":
		return nil
	default:
		return apierr.Validationf("invalid question priority %q: must be %q or %q", priority, "question", "blocking")
	}
}
