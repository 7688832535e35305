// Package sections is the fixed catalog of derived intel sections that can
// be generated on demand once a brief exists.
package sections

import (
	_ "embed"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var builtinCatalog []byte

type Section struct {
	Key         string `yaml:"key" json:"key"`
	Label       string `yaml:"label" json:"label"`
	Description string `yaml:"description" json:"description"`
	Prompt      string `yaml:"prompt" json:"prompt"`
}

// Catalog preserves declaration order for display.
type Catalog struct {
	sections []Section
	byKey    map[string]int
}

type catalogFile struct {
	Sections []Section `yaml:"sections"`
}

// Builtin returns the embedded catalog.
func Builtin() *Catalog {
	catalog, err := Parse(builtinCatalog)
	if err != nil {
		panic(err)
	}
	return catalog
}

// Load returns the builtin catalog merged with the file at path. Entries in
// the file replace builtins with the same key; new keys are appended.
func Load(path string) (*Catalog, error) {
	catalog := Builtin()
	if path == "" {
		return catalog, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "sections: read %s", path)
	}
	override, err := Parse(data)
	if err != nil {
		return nil, err
	}
	for _, section := range override.sections {
		catalog.put(section)
	}
	return catalog, nil
}

func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, eris.Wrap(err, "sections: parse catalog")
	}
	catalog := &Catalog{byKey: map[string]int{}}
	for _, section := range file.Sections {
		section.Key = strings.TrimSpace(section.Key)
		if section.Key == "" {
			return nil, eris.New("sections: entry without key")
		}
		if strings.TrimSpace(section.Prompt) == "" {
			return nil, eris.Errorf("sections: %s has no prompt", section.Key)
		}
		catalog.put(section)
	}
	return catalog, nil
}

func (c *Catalog) put(section Section) {
	if idx, ok := c.byKey[section.Key]; ok {
		c.sections[idx] = section
		return
	}
	c.byKey[section.Key] = len(c.sections)
	c.sections = append(c.sections, section)
}

func (c *Catalog) Lookup(key string) (Section, bool) {
	idx, ok := c.byKey[key]
	if !ok {
		return Section{}, false
	}
	return c.sections[idx], true
}

func (c *Catalog) All() []Section {
	copyOf := make([]Section, len(c.sections))
	copy(copyOf, c.sections)
	return copyOf
}
