package task

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/exla-ai/synv2/internal/apierr"
)

// Directive is an operator-pinned persistent instruction fed into every
// Supervisor prompt assembly, stored at <workspace>/.operator-directives.json.
type Directive struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
}

const directivesFileName = ".operator-directives.json"

// DirectivesPath returns the canonical on-disk path for the directives list.
func DirectivesPath(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, directivesFileName)
}

// LoadDirectives reads the directives list, returning an empty list if the
// file does not exist yet.
func LoadDirectives(workspaceRoot string) ([]Directive, error) {
	data, err := os.ReadFile(DirectivesPath(workspaceRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return []Directive{}, nil
		}
		return nil, apierr.Wrap(apierr.KindFatalInit, err, "read operator directives")
	}
	var directives []Directive
	if err := json.Unmarshal(data, &directives); err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, err, "decode operator directives")
	}
	return directives, nil
}

// SaveDirectives writes the full directives list atomically.
func SaveDirectives(workspaceRoot string, directives []Directive) error {
	data, err := json.MarshalIndent(directives, "", "  ")
	if err != nil {
		return apierr.Wrap(apierr.KindFatalInit, err, "encode operator directives")
	}
	dest := DirectivesPath(workspaceRoot)
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apierr.Wrap(apierr.KindFatalInit, err, "write operator directives")
	}
	return os.Rename(tmp, dest)
}

// AddDirective appends a new directive and persists the list.
func AddDirective(workspaceRoot, text, createdBy string) (*Directive, error) {
	directives, err := LoadDirectives(workspaceRoot)
	if err != nil {
		return nil, err
	}
	d := Directive{
		ID:        uuid.NewString(),
		Text:      text,
		CreatedAt: time.Now(),
		CreatedBy: createdBy,
	}
	directives = append(directives, d)
	if err := SaveDirectives(workspaceRoot, directives); err != nil {
		return nil, err
	}
	return &d, nil
}

// RemoveDirective deletes a directive by id. Returns NotFoundError if absent.
func RemoveDirective(workspaceRoot, id string) error {
	directives, err := LoadDirectives(workspaceRoot)
	if err != nil {
		return err
	}
	out := directives[:0]
	found := false
	for _, d := range directives {
		if d.ID == id {
			found = true
			continue
		}
		out = append(out, d)
	}
	if !found {
		return apierr.NotFoundf("directive %q not found", id)
	}
	return SaveDirectives(workspaceRoot, out)
}

// CompactText renders directives into the short form the continuation
// prompt includes, one per line.
func CompactText(directives []Directive) string {
	out := ""
	for _, d := range directives {
		out += "- " + d.Text + "\n"
	}
	return out
}
