package build

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"
)

// manifestName is the dependency manifest that triggers an install step.
const manifestName = "requirements.txt"

var imageRefPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._:/@-]*$`)
var relPathPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/-]*$`)

type descriptorParams struct {
	BaseImage string
	BuildID   string
	Manifest  string   // relative path of the dependency manifest, "" for none
	Command   []string // container run command, exec form
}

// renderDescriptor generates the build descriptor consumed by the container
// build tool. User-supplied values are either validated against a strict
// character set (image references, paths) or JSON-encoded into exec-form
// directives (commands), so no raw input can smuggle extra directives or reach
// a shell.
func renderDescriptor(p descriptorParams) (string, error) {
	if !imageRefPattern.MatchString(p.BaseImage) {
		return "", fmt.Errorf("invalid base image reference %q", p.BaseImage)
	}
	if len(p.Command) == 0 {
		return "", fmt.Errorf("run command is required")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", p.BaseImage)
	fmt.Fprintf(&b, "ENV VELONODE_BUILD_ID=%s\n", p.BuildID)
	b.WriteString("WORKDIR /app\n")
	b.WriteString("COPY . .\n")
	if p.Manifest != "" {
		if !relPathPattern.MatchString(p.Manifest) {
			return "", fmt.Errorf("invalid manifest path %q", p.Manifest)
		}
		install, err := json.Marshal([]string{"pip", "install", "--no-cache-dir", "-r", p.Manifest})
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "RUN %s\n", install)
	}
	cmd, err := json.Marshal(p.Command)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&b, "CMD %s\n", cmd)
	return b.String(), nil
}

// detectManifest walks the extracted tree looking for a dependency manifest
// and returns its path relative to the workspace root, or "" when absent.
func detectManifest(root string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			// dependency trees of vendored packages are not ours to install
			if d.Name() == "data" && filepath.Dir(path) == root {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == manifestName {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			found = filepath.ToSlash(rel)
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return found, nil
}

// runCommand derives the container command: an explicit override wins, then an
// entry file, then the conventional default.
func runCommand(command []string, entryFile string) ([]string, error) {
	if len(command) > 0 {
		return command, nil
	}
	if entryFile != "" {
		clean := filepath.ToSlash(filepath.Clean(entryFile))
		if !relPathPattern.MatchString(clean) {
			return nil, fmt.Errorf("invalid entry file %q", entryFile)
		}
		return []string{"python", clean}, nil
	}
	return []string{"python", "main.py"}, nil
}
