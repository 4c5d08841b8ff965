package codegen

import (
	"fmt"
	"strings"
)

// sections is the parsed form of a stored source text. The text uses a
// marker format: an optional [dependencies] section listing build manifest
// entries, an optional [imports] section listing import paths for the
// wrapper, and a [code] section holding the wrapper body. Sections are
// order-independent; anything before the first marker belongs to the code
// section by default.
type sections struct {
	deps    []Dependency
	imports []string
	code    string
}

const (
	markerDeps    = "[dependencies]"
	markerImports = "[imports]"
	markerCode    = "[code]"
)

func splitSource(source string) (*sections, error) {
	var (
		out      sections
		depLines []string
		code     strings.Builder
		section  = markerCode
	)

	for _, line := range strings.Split(strings.Trim(source, "\n"), "\n") {
		switch strings.TrimSpace(line) {
		case markerDeps:
			section = markerDeps
			continue
		case markerImports:
			section = markerImports
			continue
		case markerCode:
			section = markerCode
			continue
		}

		switch section {
		case markerDeps:
			if t := strings.TrimSpace(line); t != "" {
				depLines = append(depLines, t)
			}
		case markerImports:
			if t := strings.TrimSpace(line); t != "" {
				out.imports = append(out.imports, strings.Trim(t, "\""))
			}
		case markerCode:
			code.WriteString(line)
			code.WriteString("\n")
		}
	}

	for _, line := range depLines {
		dep, err := parseDep(line)
		if err != nil {
			return nil, err
		}
		out.deps = append(out.deps, dep)
	}

	out.code = strings.Trim(code.String(), "\n")
	if out.code == "" {
		return nil, fmt.Errorf("source has no code section")
	}
	return &out, nil
}

// parseDep parses one manifest line of the form "module/path v1.2.3".
func parseDep(line string) (Dependency, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return Dependency{}, fmt.Errorf("malformed dependency line %q (want \"module version\")", line)
	}
	return Dependency{Path: fields[0], Version: fields[1]}, nil
}
