// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package ptybridge

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Profile holds the textual conventions of one CLI family. The upstream
// CLIs change their rendering often, so every list here can be overridden
// from a YAML file.
type Profile struct {
	Name string `yaml:"name"`

	// Relevance filter
	NarrationMarkers []string `yaml:"narration_markers"`
	InputMarkers     []string `yaml:"input_markers"`
	ProceedPhrases   []string `yaml:"proceed_phrases"`
	Headers          []string `yaml:"headers"`
	ErrorMarkers     []string `yaml:"error_markers"`

	// Prompt detection
	PromptIndicators []string `yaml:"prompt_indicators"`
	YesNoMarkers     []string `yaml:"yes_no_markers"`
	TrustPhrases     []string `yaml:"trust_phrases"`
}

var commonIndicators = []string{
	"❯",
	"Enter to confirm",
	"Esc to cancel",
	"Tab to amend",
	"(y/n)",
	"(yes/no)",
	"[Y/n]",
	"[y/N]",
}

var commonYesNo = []string{"(y/n)", "(yes/no)", "[Y/n]", "[y/N]"}

// ClaudeProfile returns the built-in profile for the Claude CLI.
func ClaudeProfile() *Profile {
	return &Profile{
		Name:             "claude",
		NarrationMarkers: []string{"⏺", "●"},
		InputMarkers:     []string{"❯"},
		ProceedPhrases:   []string{"proceed?", "do you want to"},
		Headers: []string{
			"Read file", "Create file", "Edit file", "Search(", "Searching for",
			"Read(", "Write(", "Update(", "Bash(",
		},
		ErrorMarkers:     []string{"Error:", "error:", "ERROR", "✗", "✘"},
		PromptIndicators: append([]string(nil), commonIndicators...),
		YesNoMarkers:     append([]string(nil), commonYesNo...),
		TrustPhrases: []string{
			"Yes, I trust this folder",
			"Is this a project you created",
			"Quick safety check",
			"trust this folder",
		},
	}
}

// OpenCodeProfile returns the built-in profile for the OpenCode CLI.
func OpenCodeProfile() *Profile {
	p := ClaudeProfile()
	p.Name = "opencode"
	p.Headers = append(p.Headers, "Read ", "Write ", "Edit ", "Glob ", "Grep ")
	p.TrustPhrases = []string{
		"trust this directory",
		"folder trust",
		"project you created",
		"safety check",
	}
	return p
}

// DefaultProfiles returns the built-in profiles keyed by name.
func DefaultProfiles() map[string]*Profile {
	return map[string]*Profile{
		"claude":   ClaudeProfile(),
		"opencode": OpenCodeProfile(),
	}
}

// merge copies every non-empty list of o over p.
func (p *Profile) merge(o *Profile) {
	set := func(dst *[]string, src []string) {
		if len(src) > 0 {
			*dst = append([]string(nil), src...)
		}
	}
	set(&p.NarrationMarkers, o.NarrationMarkers)
	set(&p.InputMarkers, o.InputMarkers)
	set(&p.ProceedPhrases, o.ProceedPhrases)
	set(&p.Headers, o.Headers)
	set(&p.ErrorMarkers, o.ErrorMarkers)
	set(&p.PromptIndicators, o.PromptIndicators)
	set(&p.YesNoMarkers, o.YesNoMarkers)
	set(&p.TrustPhrases, o.TrustPhrases)
}

type profileFile struct {
	Profiles []*Profile `yaml:"profiles"`
}

// LoadProfiles decodes a YAML profile file and layers it over the built-in
// profiles. A profile with an unknown name starts from the Claude defaults.
//
//	profiles:
//	  - name: claude
//	    headers: ["Read file", "Create file"]
func LoadProfiles(r io.Reader) (map[string]*Profile, error) {
	var f profileFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode profiles: %w", err)
	}

	profiles := DefaultProfiles()
	for i, o := range f.Profiles {
		if o == nil || o.Name == "" {
			return nil, fmt.Errorf("profile %d has no name", i)
		}
		base, ok := profiles[o.Name]
		if !ok {
			base = ClaudeProfile()
			base.Name = o.Name
			profiles[o.Name] = base
		}
		base.merge(o)
	}
	return profiles, nil
}
