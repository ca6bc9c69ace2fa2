// Package provider serves market lines, factor inputs and source picks from
// YAML fixture files.
package provider

import (
	"context"
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/pick-engine/internal/model"
)

// Fixtures is the parsed content of a fixture file.
type Fixtures struct {
	Snapshots []model.MarketLine `yaml:"snapshots"`
	Providers []FactorFixture    `yaml:"providers"`
	Picks     []model.PickRecord `yaml:"picks"`
}

// FactorFixture lists one provider's factor inputs per entity id.
type FactorFixture struct {
	Name    string                         `yaml:"name"`
	Factors map[string][]model.FactorInput `yaml:"factors"`
}

// Load reads a fixture file.
func Load(path string) (*Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "provider: read fixtures %s", path)
	}
	return Parse(data)
}

// Parse decodes fixture YAML.
func Parse(data []byte) (*Fixtures, error) {
	var f Fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "provider: parse fixtures")
	}
	for i, p := range f.Providers {
		if p.Name == "" {
			return nil, eris.Errorf("provider: fixture provider %d has no name", i)
		}
	}
	return &f, nil
}

// SnapshotSource returns the fixture market lines as a snapshot provider.
func (f *Fixtures) SnapshotSource() *SnapshotSource {
	s := &SnapshotSource{lines: make(map[string]model.MarketLine, len(f.Snapshots))}
	for _, l := range f.Snapshots {
		s.lines[lineKey(l.EntityID, l.Kind)] = l
	}
	return s
}

// FactorSources returns one provider per fixture provider, ordered by name.
func (f *Fixtures) FactorSources() []*FactorSource {
	out := make([]*FactorSource, 0, len(f.Providers))
	for _, p := range f.Providers {
		out = append(out, &FactorSource{name: p.Name, factors: p.Factors})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// SnapshotSource serves fixed market lines.
type SnapshotSource struct {
	lines map[string]model.MarketLine
}

// Snapshot returns the line for entityID and kind, or nil when the fixture
// has none.
func (s *SnapshotSource) Snapshot(ctx context.Context, entityID string, kind model.DecisionKind) (*model.MarketLine, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "provider: snapshot")
	}
	l, ok := s.lines[lineKey(entityID, kind)]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

// FactorSource serves one provider's fixed factor inputs.
type FactorSource struct {
	name    string
	factors map[string][]model.FactorInput
}

// Name returns the provider name.
func (s *FactorSource) Name() string { return s.name }

// Factors returns the inputs recorded for the snapshot's entity.
func (s *FactorSource) Factors(ctx context.Context, snap model.Snapshot) ([]model.FactorInput, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrapf(err, "provider: %s factors", s.name)
	}
	in := s.factors[snap.EntityID]
	out := make([]model.FactorInput, len(in))
	copy(out, in)
	return out, nil
}

// LoadPicks reads the picks section of a fixture file.
func LoadPicks(path string) ([]model.PickRecord, error) {
	f, err := Load(path)
	if err != nil {
		return nil, err
	}
	return f.Picks, nil
}

func lineKey(entityID string, kind model.DecisionKind) string {
	return entityID + "|" + string(kind)
}
