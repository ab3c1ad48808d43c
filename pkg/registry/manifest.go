package registry

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/okodu/switchboard/pkg/core"
)

// ManifestEntry is one agent declaration in a YAML manifest.
type ManifestEntry struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	Description  string            `yaml:"description"`
	Capabilities []string          `yaml:"capabilities"`
	Endpoint     struct {
		Scheme string `yaml:"scheme"`
		URL    string `yaml:"url"`
	} `yaml:"endpoint"`
	Labels map[string]string `yaml:"labels"`
}

type manifest struct {
	Agents []ManifestEntry `yaml:"agents"`
}

var idPattern = regexp.MustCompile(`^[a-z0-9]+(?:[-_][a-z0-9]+)*$`)

// LoadManifest parses an agent manifest file into descriptors.
func LoadManifest(path string) ([]core.AgentDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var parsed manifest
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	out := make([]core.AgentDescriptor, 0, len(parsed.Agents))
	for i, entry := range parsed.Agents {
		desc, err := entry.descriptor()
		if err != nil {
			return nil, fmt.Errorf("manifest agent %d: %w", i, err)
		}
		out = append(out, desc)
	}
	return out, nil
}

// RegisterManifest loads a manifest and registers every entry.
func RegisterManifest(r *Registry, path string) (int, error) {
	descs, err := LoadManifest(path)
	if err != nil {
		return 0, err
	}
	for _, desc := range descs {
		if err := r.Register(desc); err != nil {
			return 0, err
		}
	}
	return len(descs), nil
}

func (e ManifestEntry) descriptor() (core.AgentDescriptor, error) {
	id := strings.TrimSpace(e.ID)
	if id == "" {
		return core.AgentDescriptor{}, fmt.Errorf("id is required")
	}
	if !idPattern.MatchString(id) {
		return core.AgentDescriptor{}, fmt.Errorf("invalid id %q", id)
	}
	if len(e.Capabilities) == 0 {
		return core.AgentDescriptor{}, fmt.Errorf("agent %q declares no capabilities", id)
	}
	url := strings.TrimSpace(e.Endpoint.URL)
	if url == "" {
		return core.AgentDescriptor{}, fmt.Errorf("agent %q has no endpoint url", id)
	}
	scheme := strings.TrimSpace(e.Endpoint.Scheme)
	if scheme == "" {
		scheme = "http"
	}

	caps := make([]string, 0, len(e.Capabilities))
	for _, c := range e.Capabilities {
		c = strings.TrimSpace(c)
		if c != "" {
			caps = append(caps, c)
		}
	}

	return core.AgentDescriptor{
		ID:           id,
		Name:         strings.TrimSpace(e.Name),
		Description:  strings.TrimSpace(e.Description),
		Capabilities: caps,
		Endpoint:     core.Endpoint{Scheme: scheme, URL: url},
		Labels:       e.Labels,
	}, nil
}
