package model

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// BrandContext is the brand + competitor + persona profile supplied by the
// company-profile service. It is threaded unchanged through every analysis
// and aggregation stage.
type BrandContext struct {
	Name        string   `json:"name" yaml:"name"`
	Variants    []string `json:"variants,omitempty" yaml:"variants"`
	Competitors []string `json:"competitors,omitempty" yaml:"competitors"`
	Industry    string   `json:"industry,omitempty" yaml:"industry"`
	Persona     Persona  `json:"persona" yaml:"persona"`
}

// Persona is the decision-maker profile used to tailor recommendation tone,
// budget, and feasibility.
type Persona struct {
	CompanySize     string `json:"company_size" yaml:"company_size"`
	GrowthStage     string `json:"growth_stage" yaml:"growth_stage"`
	Role            string `json:"role" yaml:"role"`
	BudgetAuthority string `json:"budget_authority" yaml:"budget_authority"`
}

// LoadBrandContext reads a brand context from a YAML file.
func LoadBrandContext(path string) (*BrandContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "model: read brand context %s", path)
	}

	var bc BrandContext
	if err := yaml.Unmarshal(data, &bc); err != nil {
		return nil, eris.Wrapf(err, "model: parse brand context %s", path)
	}
	if bc.Name == "" {
		return nil, eris.New("model: brand context has no name")
	}
	return &bc, nil
}

// AllNames returns the brand name plus declared variants.
func (b *BrandContext) AllNames() []string {
	names := make([]string, 0, len(b.Variants)+1)
	names = append(names, b.Name)
	names = append(names, b.Variants...)
	return names
}
