package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Voice maps one numeric voice style id onto the names each backend uses.
type Voice struct {
	StyleID       int    `yaml:"style_id"`
	Name          string `yaml:"name"`
	CartesiaVoice string `yaml:"cartesia_voice"`
	DeepgramModel string `yaml:"deepgram_model"`
}

// VoiceCatalog is the style id table loaded from VOICE_CATALOG_PATH.
type VoiceCatalog struct {
	Voices []Voice `yaml:"voices"`

	byID map[int]Voice
}

// LoadVoiceCatalog reads a YAML catalog. An empty path yields an empty catalog.
func LoadVoiceCatalog(path string) (*VoiceCatalog, error) {
	if path == "" {
		return NewVoiceCatalog(nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read voice catalog: %w", err)
	}

	var cat VoiceCatalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse voice catalog: %w", err)
	}
	return NewVoiceCatalog(cat.Voices)
}

// NewVoiceCatalog indexes voices by style id, rejecting duplicates.
func NewVoiceCatalog(voices []Voice) (*VoiceCatalog, error) {
	cat := &VoiceCatalog{Voices: voices, byID: make(map[int]Voice, len(voices))}
	for _, v := range voices {
		if _, dup := cat.byID[v.StyleID]; dup {
			return nil, fmt.Errorf("duplicate voice style id %d", v.StyleID)
		}
		cat.byID[v.StyleID] = v
	}
	return cat, nil
}

// Lookup returns the voice registered for a style id.
func (c *VoiceCatalog) Lookup(styleID int) (Voice, bool) {
	if c == nil {
		return Voice{}, false
	}
	v, ok := c.byID[styleID]
	return v, ok
}

// Len returns the number of catalog entries.
func (c *VoiceCatalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.byID)
}
