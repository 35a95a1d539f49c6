// Package catalog holds the provider services a coordinator can match
// prompts to.
package catalog

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"ai-coordinator/internal/domain"
)

//go:embed default.yaml
var defaultCatalog []byte

// Param describes one service input or output.
type Param struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	IsOptional  bool   `yaml:"isOptional,omitempty" json:"isOptional,omitempty"`
}

// ServiceSpec is one offering of a provider.
type ServiceSpec struct {
	ServiceID          string  `yaml:"serviceId"`
	Name               string  `yaml:"name"`
	Price              float64 `yaml:"price"`
	ServiceDescription string  `yaml:"serviceDescription"`
	Inputs             []Param `yaml:"inputs"`
	Outputs            []Param `yaml:"outputs"`
}

// Provider is a service provider node.
type Provider struct {
	ProviderID    string        `yaml:"providerId"`
	ProviderName  string        `yaml:"providerName"`
	WalletAddress string        `yaml:"walletAddress"`
	URL           string        `yaml:"url"`
	TrustScore    float64       `yaml:"trustScore"`
	Tags          []string      `yaml:"tags"`
	Description   string        `yaml:"description"`
	Services      []ServiceSpec `yaml:"services"`
}

// Entry is a resolved (provider, service) pair.
type Entry struct {
	Provider Provider
	Service  ServiceSpec
}

// Catalog is an immutable set of providers.
type Catalog struct {
	providers []Provider
}

type file struct {
	Providers []Provider `yaml:"providers"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog from a YAML file. An empty path loads the default.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}
	c := &Catalog{providers: f.Providers}
	if err := c.validate(); err != nil {
		return nil, err
	}
	for i := range c.providers {
		c.providers[i].WalletAddress = domain.NormalizeAddress(c.providers[i].WalletAddress)
	}
	return c, nil
}

func (c *Catalog) validate() error {
	if len(c.providers) == 0 {
		return errors.New("catalog: no providers")
	}
	seen := make(map[string]bool)
	for _, p := range c.providers {
		if p.ProviderID == "" {
			return errors.New("catalog: providerId is required")
		}
		if seen[p.ProviderID] {
			return fmt.Errorf("catalog: duplicate providerId %q", p.ProviderID)
		}
		seen[p.ProviderID] = true
		if p.URL == "" {
			return fmt.Errorf("catalog: provider %q: url is required", p.ProviderID)
		}
		services := make(map[string]bool)
		for _, s := range p.Services {
			if s.ServiceID == "" {
				return fmt.Errorf("catalog: provider %q: serviceId is required", p.ProviderID)
			}
			if services[s.ServiceID] {
				return fmt.Errorf("catalog: provider %q: duplicate serviceId %q", p.ProviderID, s.ServiceID)
			}
			services[s.ServiceID] = true
		}
	}
	return nil
}

// Providers returns a copy of all providers.
func (c *Catalog) Providers() []Provider {
	return append([]Provider(nil), c.providers...)
}

// Provider returns the provider with the given id.
func (c *Catalog) Provider(providerID string) (Provider, bool) {
	for _, p := range c.providers {
		if p.ProviderID == providerID {
			return p, true
		}
	}
	return Provider{}, false
}

// Lookup resolves a (providerId, serviceId) reference.
func (c *Catalog) Lookup(providerID, serviceID string) (Entry, bool) {
	p, ok := c.Provider(providerID)
	if !ok {
		return Entry{}, false
	}
	for _, s := range p.Services {
		if s.ServiceID == serviceID {
			return Entry{Provider: p, Service: s}, true
		}
	}
	return Entry{}, false
}

// Snapshot copies the descriptive fields of e into a new not-started
// session service. The caller assigns the execution order.
func Snapshot(e Entry) domain.Service {
	return domain.Service{
		ProviderID:         e.Provider.ProviderID,
		ServiceID:          e.Service.ServiceID,
		Price:              e.Service.Price,
		Description:        e.Provider.Description,
		ServiceDescription: e.Service.ServiceDescription,
		TrustScore:         e.Provider.TrustScore,
		ExecutionState:     domain.ExecutionNotStarted,
	}
}

// Describe renders the catalog as plain text for a matching prompt.
func (c *Catalog) Describe() string {
	blocks := make([]string, 0, len(c.providers))
	for _, p := range c.providers {
		var b strings.Builder
		fmt.Fprintf(&b, "Provider Name : %s\nProvider Description : %s\nProvider Tags : %s\nProvider ID : %s\n\nProvider Services:\n",
			p.ProviderName, p.Description, strings.Join(p.Tags, ","), p.ProviderID)
		services := make([]string, 0, len(p.Services))
		for _, s := range p.Services {
			inputs, _ := json.Marshal(s.Inputs)
			outputs, _ := json.Marshal(s.Outputs)
			services = append(services, fmt.Sprintf("Service ID: %s\nService Name: %s\nService Description: %s\nService Price: %v USD\n\nInputs:\n%s\n\nOutput:\n%s\n",
				s.ServiceID, s.Name, s.ServiceDescription, s.Price, inputs, outputs))
		}
		b.WriteString(strings.Join(services, "\n\n"))
		b.WriteString("\n")
		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, "----------------------------------------------------------------\n\n")
}
