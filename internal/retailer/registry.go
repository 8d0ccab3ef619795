// Package retailer maps retailer identifiers to their extraction
// instruction sets.
package retailer

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/tarifas-co/tarifas-cli/internal/config"
)

var (
	// ErrUnknownRetailer is returned for identifiers absent from the registry.
	ErrUnknownRetailer = eris.New("retailer: unknown retailer")
	// ErrMissingInstructions is returned when a retailer's instruction file
	// cannot be read or is empty.
	ErrMissingInstructions = eris.New("retailer: missing instructions")
)

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// Retailer is one supported electricity retailer.
type Retailer struct {
	ID               string `yaml:"id" json:"id"`
	Name             string `yaml:"name" json:"name"`
	InstructionsFile string `yaml:"instructions_file" json:"-"`
}

// InstructionSource yields the instruction text for one retailer.
type InstructionSource interface {
	Instructions() (string, error)
}

// FileInstructions reads instructions from a plain-text file at call time.
type FileInstructions struct {
	Retailer string
	Path     string
}

// Instructions implements InstructionSource.
func (f FileInstructions) Instructions() (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", eris.Wrapf(ErrMissingInstructions, "retailer: %s: %s: %v", f.Retailer, f.Path, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", eris.Wrapf(ErrMissingInstructions, "retailer: %s: %s is empty", f.Retailer, f.Path)
	}
	return text, nil
}

// DefaultRetailers are the retailers supported out of the box.
var DefaultRetailers = []Retailer{
	{ID: "VATIA", Name: "Vatia"},
	{ID: "ENELX", Name: "Enel X"},
	{ID: "QI", Name: "Qi Energía"},
	{ID: "ENERTOTAL", Name: "Enertotal"},
	{ID: "NEU", Name: "Neu Energy"},
	{ID: "ENERBIT", Name: "Enerbit"},
}

// Registry is a read-only mapping from retailer id to instruction source.
type Registry struct {
	dir       string
	retailers []Retailer
	byID      map[string]Retailer
}

// NewRegistry indexes retailers. Entries without an instructions file use
// <dir>/<ID>.txt; relative instruction paths are resolved against dir.
func NewRegistry(dir string, retailers []Retailer) *Registry {
	r := &Registry{dir: dir, byID: make(map[string]Retailer, len(retailers))}
	for _, rt := range retailers {
		rt.ID = strings.ToUpper(strings.TrimSpace(rt.ID))
		if rt.InstructionsFile == "" {
			rt.InstructionsFile = rt.ID + ".txt"
		}
		if !filepath.IsAbs(rt.InstructionsFile) {
			rt.InstructionsFile = filepath.Join(dir, rt.InstructionsFile)
		}
		if rt.Name == "" {
			rt.Name = rt.ID
		}
		if _, dup := r.byID[rt.ID]; dup {
			continue
		}
		r.byID[rt.ID] = rt
		r.retailers = append(r.retailers, rt)
	}
	return r
}

// Load builds the registry from config: the YAML registry file when set,
// otherwise DefaultRetailers.
func Load(cfg config.RetailersConfig) (*Registry, error) {
	if cfg.RegistryFile == "" {
		return NewRegistry(cfg.InstructionsDir, DefaultRetailers), nil
	}

	data, err := os.ReadFile(cfg.RegistryFile)
	if err != nil {
		return nil, eris.Wrapf(err, "retailer: read registry %s", cfg.RegistryFile)
	}

	var file struct {
		Retailers []Retailer `yaml:"retailers"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, eris.Wrap(err, "retailer: parse registry")
	}
	if len(file.Retailers) == 0 {
		return nil, eris.Errorf("retailer: registry %s lists no retailers", cfg.RegistryFile)
	}
	for _, rt := range file.Retailers {
		if !validID.MatchString(strings.TrimSpace(rt.ID)) {
			return nil, eris.Errorf("retailer: invalid id %q in registry", rt.ID)
		}
	}
	return NewRegistry(cfg.InstructionsDir, file.Retailers), nil
}

// Lookup validates id and returns its instruction source. Matching is
// case-insensitive.
func (r *Registry) Lookup(id string) (InstructionSource, error) {
	rt, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return FileInstructions{Retailer: rt.ID, Path: rt.InstructionsFile}, nil
}

// Get returns the registry entry for id.
func (r *Registry) Get(id string) (Retailer, error) {
	norm := strings.ToUpper(strings.TrimSpace(id))
	if !validID.MatchString(norm) {
		return Retailer{}, eris.Wrapf(ErrUnknownRetailer, "retailer: invalid id %q", id)
	}
	rt, ok := r.byID[norm]
	if !ok {
		return Retailer{}, eris.Wrapf(ErrUnknownRetailer, "retailer: %q", id)
	}
	return rt, nil
}

// Instructions is Lookup followed by reading the instruction text.
func (r *Registry) Instructions(id string) (string, error) {
	src, err := r.Lookup(id)
	if err != nil {
		return "", err
	}
	return src.Instructions()
}

// List returns the retailers in registration order.
func (r *Registry) List() []Retailer {
	out := make([]Retailer, len(r.retailers))
	copy(out, r.retailers)
	return out
}
