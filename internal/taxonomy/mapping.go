package taxonomy

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Table grouping strategies. Context grouping clusters facts sharing a
// contextRef into rows; dimension grouping keys rows by an explicit axis
// member.
const (
	GroupByContext   = "context"
	GroupByDimension = "dimension"
)

// Table targets in a mapping config.
const (
	TableTopHoldings         = "top_holdings"
	TableIndustryAllocations = "industry_allocations"
)

// MappingConfig binds taxonomy concept ids to report fields for one taxonomy
// version. Candidate lists are ordered: the first concept with a usable fact
// wins.
type MappingConfig struct {
	Version string `yaml:"version"`

	// Scalars maps report field names to candidate concept qnames.
	Scalars map[string][]string `yaml:"scalars"`

	Tables []TableMapping `yaml:"tables"`

	// AssetGroups extracts the asset-allocation breakdown where each asset
	// class is a distinct pair of scalar concepts rather than a table.
	AssetGroups []AssetGroup `yaml:"asset_groups"`
}

// TableMapping describes how to assemble one child table from facts.
type TableMapping struct {
	Target  string              `yaml:"target"`
	GroupBy string              `yaml:"group_by"`
	Axis    string              `yaml:"axis,omitempty"`
	Fields  map[string][]string `yaml:"fields"`
}

// AssetGroup is one asset class of the allocation breakdown.
type AssetGroup struct {
	AssetType   string   `yaml:"asset_type"`
	MarketValue []string `yaml:"market_value"`
	Ratio       []string `yaml:"ratio"`
}

func (m *MappingConfig) validate(path string) error {
	for _, tbl := range m.Tables {
		switch tbl.Target {
		case TableTopHoldings, TableIndustryAllocations:
		default:
			return eris.Errorf("taxonomy: %s: unknown table target %q", path, tbl.Target)
		}
		switch tbl.GroupBy {
		case GroupByContext:
		case GroupByDimension:
			if tbl.Axis == "" {
				return eris.Errorf("taxonomy: %s: dimension table %q needs an axis", path, tbl.Target)
			}
		default:
			return eris.Errorf("taxonomy: %s: unknown group_by %q", path, tbl.GroupBy)
		}
	}
	return nil
}

// LoadMapping reads one mapping config file.
func LoadMapping(path string) (*MappingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "taxonomy: read mapping %s", path)
	}
	var cfg MappingConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, eris.Wrapf(err, "taxonomy: parse mapping %s", path)
	}
	if cfg.Version == "" {
		cfg.Version = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := cfg.validate(path); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadMappingDir reads every *.yaml mapping under dir, keyed by version.
func LoadMappingDir(dir string) (map[string]*MappingConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "taxonomy: read mapping dir %s", dir)
	}

	out := make(map[string]*MappingConfig)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		cfg, err := LoadMapping(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := out[cfg.Version]; dup {
			return nil, eris.Errorf("taxonomy: duplicate mapping for version %q", cfg.Version)
		}
		out[cfg.Version] = cfg
	}

	zap.L().Info("concept mappings loaded", zap.Int("versions", len(out)))
	return out, nil
}
