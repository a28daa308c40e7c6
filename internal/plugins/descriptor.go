package plugins

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/riftsec/auditcore/internal/auditerrors"
)

// Category is the top-level folder a plugin descriptor lives under.
type Category string

const (
	CategoryTesting Category = "testing"
	CategoryUI      Category = "ui"
	CategoryReport  Category = "report"
)

// Descriptor is a parsed ".golismero" file: case-sensitive INI-like,
// [Core]/[Documentation]/[Configuration] sections, read with a small
// hand-rolled scanner (see DESIGN.md for why no INI library was pulled
// in for this).
type Descriptor struct {
	Name     string // unique "<category>/<relative-path>"
	Category Category

	DisplayName string
	Module      string // path to the plugin's source, relative to its folder
	Class       string // optional
	Stage       Stage
	Dependencies []string

	Description string
	Version     string
	Author      string
	Website     string

	Configuration map[string]string
}

// ParseDescriptor reads and validates one descriptor file. name is the
// plugin's registry name, already computed by the caller from the file's
// path relative to the plugins folder; category comes from the first path
// segment under the plugins folder.
func ParseDescriptor(path string, name string, category Category) (*Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, auditerrors.ConfigWrap("failed to open plugin descriptor "+path, err)
	}
	defer f.Close()

	sections := map[string]map[string]string{}
	section := ""

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSpace(line[1 : len(line)-1])
			if _, ok := sections[section]; !ok {
				sections[section] = map[string]string{}
			}
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 || section == "" {
			return nil, auditerrors.Config("malformed line in plugin descriptor " + path + ": " + line)
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		sections[section][key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, auditerrors.ConfigWrap("failed to read plugin descriptor "+path, err)
	}

	core := sections["Core"]
	if core == nil || core["Name"] == "" || core["Module"] == "" {
		return nil, auditerrors.Config("plugin descriptor " + path + " is missing required [Core] Name/Module")
	}

	module, err := sanitizeModule(path, core["Module"])
	if err != nil {
		return nil, err
	}

	stage, ok := ParseStage(core["Stage"])
	if !ok {
		return nil, auditerrors.Config("plugin descriptor " + path + " names unknown stage " + core["Stage"])
	}

	var deps []string
	if raw := core["Dependencies"]; raw != "" {
		for _, d := range strings.Split(raw, ",") {
			if d = strings.TrimSpace(d); d != "" {
				deps = append(deps, d)
			}
		}
	}

	doc := sections["Documentation"]
	description := doc["Description"]
	if description == "" {
		description = core["Name"]
	}
	version := doc["Version"]
	if version == "" {
		version = "?.?"
	}
	author := doc["Author"]
	if author == "" {
		author = "Anonymous"
	}

	return &Descriptor{
		Name:          name,
		Category:      category,
		DisplayName:   core["Name"],
		Module:        module,
		Class:         core["Class"],
		Stage:         stage,
		Dependencies:  deps,
		Description:   description,
		Version:       version,
		Author:        author,
		Website:       doc["Website"],
		Configuration: sections["Configuration"],
	}, nil
}

// sanitizeModule resolves the descriptor's Module path relative to the
// descriptor's own folder and rejects anything absolute or that escapes
// that folder: it must resolve to a file strictly within the plugin's
// own folder.
func sanitizeModule(descriptorPath, module string) (string, error) {
	if filepath.IsAbs(module) {
		return "", auditerrors.Config("plugin descriptor " + descriptorPath + ": module path is absolute")
	}
	folder := filepath.Dir(descriptorPath)
	resolved := filepath.Clean(filepath.Join(folder, module))
	rel, err := filepath.Rel(folder, resolved)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", auditerrors.Config("plugin descriptor " + descriptorPath + ": module path escapes plugin folder")
	}
	return resolved, nil
}
