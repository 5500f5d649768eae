// Package user persists the operator profile consumed by the drafting prompts.
package user

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Profile holds the operator identity and drafting preferences.
type Profile struct {
	FirstName string      `json:"first_name"`
	LastName  string      `json:"last_name,omitempty"`
	Signature string      `json:"signature,omitempty"`
	Prefs     Preferences `json:"preferences"`
	CreatedAt time.Time   `json:"created_at,omitempty"`
	UpdatedAt time.Time   `json:"updated_at,omitempty"`
}

// Preferences toggles optional drafting behavior.
type Preferences struct {
	UseSignature bool `json:"use_signature"`
}

// DisplayName returns the operator's full name for prompt text.
func (p *Profile) DisplayName() string {
	if p.LastName == "" {
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

// Load reads a profile from path. A missing file returns a minimal default
// rather than an error so the assistant can run before setup.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Profile{FirstName: "the operator"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return &p, nil
}

// Save writes the profile, stamping UpdatedAt.
func Save(path string, p *Profile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	p.UpdatedAt = time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = p.UpdatedAt
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	return nil
}
