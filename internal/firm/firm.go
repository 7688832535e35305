// Package firm holds the consulting firm's value proposition that frames
// every brief.
package firm

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	FileName = "FIRM.md"
	Default  = `Anvil is an operations-focused consultancy that designs and builds internal systems for companies so their operations become a source of competitive advantage rather than just admin or box-ticking.

Anvil is a team of strategists, designers, and engineers who:
- Architect operational systems that create clarity and empower teams
- Deliver pragmatic, short-cycle projects aimed at tangible value rather than long, multi-year programmes
- Embed with clients as a partner, then hand over systems with training and documentation so the client fully owns and runs them

Anvil's website: https://www.anvil-online.com`
)

// Load returns the firm context. An explicit path must exist; with no path
// FIRM.md is looked up from the working directory upwards and Default is
// used when none is found.
func Load(path string) (string, error) {
	if path == "" {
		found, err := ReadFromDisk()
		if err != nil || found == "" {
			return Default, nil
		}
		return found, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return Default, nil
	}
	return content, nil
}

func ReadFromDisk() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	path, err := findInParents(cwd, FileName)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func findInParents(startDir string, filename string) (string, error) {
	dir := startDir
	for {
		candidate := filepath.Join(dir, filename)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}
