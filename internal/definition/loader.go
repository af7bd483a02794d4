// Package definition validates action definitions, loads them from YAML
// manifests, and provides a fast-lookup versioned registry with atomic
// pointer swap.
package definition

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pitabwire/relay/model"
	"gopkg.in/yaml.v3"
)

// Manifest is an action definition read from a YAML file.
type Manifest struct {
	Definition model.ActionDefinition
	SourceFile string
	Checksum   string
}

// Loader scans directories for YAML action manifests, parses them, binds
// their handlers and computes SHA-256 checksums.
type Loader struct {
	handlers *HandlerRegistry
}

// NewLoader creates a Loader that binds manifest handlers from handlers.
func NewLoader(handlers *HandlerRegistry) *Loader {
	if handlers == nil {
		handlers = NewHandlerRegistry()
	}
	return &Loader{handlers: handlers}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and
// parses each into one or more manifests.
func (l *Loader) LoadAll(directories []string) ([]Manifest, error) {
	var manifests []Manifest

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			ms, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			manifests = append(manifests, ms...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return manifests, nil
}

// LoadFile loads a single YAML file. A file may hold several actions as
// separate YAML documents. Each handler must be registered.
func (l *Loader) LoadFile(path string) ([]Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	checksum := fmt.Sprintf("%x", sha256.Sum256(data))

	var manifests []Manifest
	var errs VErrors
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for i := 0; ; i++ {
		var def model.ActionDefinition
		if err := dec.Decode(&def); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}

		prefix := fmt.Sprintf("%s[%d]", path, i)
		if def.Handler == "" {
			errs = append(errs, VError{Path: prefix + ".handler", Code: "REQUIRED", Message: "handler is required"})
		} else if run, ok := l.handlers.Get(def.Handler); ok {
			def.Run = run
		} else {
			errs = append(errs, VError{Path: prefix + ".handler", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("handler %q is not registered", def.Handler)})
		}

		manifests = append(manifests, Manifest{Definition: def, SourceFile: path, Checksum: checksum})
	}
	if len(errs) > 0 {
		return nil, errs
	}

	return manifests, nil
}

// Definitions returns the action definitions of manifests in load order.
func Definitions(manifests []Manifest) []model.ActionDefinition {
	defs := make([]model.ActionDefinition, len(manifests))
	for i, m := range manifests {
		defs[i] = m.Definition
	}
	return defs
}
