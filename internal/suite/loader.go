package suite

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Error codes for suite loading.
const (
	ErrCodeRead     = "E001" // file unreadable
	ErrCodeParse    = "E002" // not valid YAML/JSON
	ErrCodeSchema   = "E003" // schema violation
	ErrCodeDecode   = "E004" // strict typed decode failed
	ErrCodeInvalid  = "E005" // semantic validation failed
	ErrCodeNotFound = "E006" // path not found
	ErrCodeNoSuites = "E007" // no suite files matched
)

// LoadError is returned for any failure to turn a file into a Suite.
type LoadError struct {
	Code    string
	Path    string
	Message string
	Err     error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Path, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Path, e.Code, e.Message)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Load reads a suite from a YAML or JSON file. The document is checked
// against the suite schema, then decoded strictly so unknown fields fail.
func Load(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeRead, Path: path, Message: "failed to read suite file", Err: err}
	}
	return Parse(path, data)
}

// Parse decodes suite bytes. path is used for error messages and for
// resolving relative references later.
func Parse(path string, data []byte) (*Suite, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &LoadError{Code: ErrCodeParse, Path: path, Message: "suite file is empty"}
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &LoadError{Code: ErrCodeParse, Path: path, Message: "failed to parse suite", Err: err}
	}
	if _, ok := stringKeys(doc).(map[string]any); !ok {
		return nil, &LoadError{Code: ErrCodeParse, Path: path, Message: "suite must be a mapping"}
	}
	if err := ValidateDocument(doc); err != nil {
		return nil, &LoadError{Code: ErrCodeSchema, Path: path, Message: "suite does not match schema", Err: err}
	}

	var s Suite
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, &LoadError{Code: ErrCodeDecode, Path: path, Message: "failed to decode suite", Err: err}
	}
	s.Path = path

	if err := validateSuite(&s); err != nil {
		return nil, &LoadError{Code: ErrCodeInvalid, Path: path, Message: "invalid suite", Err: err}
	}
	return &s, nil
}

// validateSuite checks constraints the schema cannot express.
func validateSuite(s *Suite) error {
	seen := make(map[string]bool, len(s.Tests))
	for i, tc := range s.Tests {
		if seen[tc.Name] {
			return fmt.Errorf("tests[%d]: duplicate test name %q", i, tc.Name)
		}
		seen[tc.Name] = true

		for j, m := range tc.Mocks {
			if err := validateMock(m); err != nil {
				return fmt.Errorf("tests[%d].mocks[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}

func validateMock(m MockRule) error {
	if m.NodeType == "" && m.Path == "" && m.URL == "" {
		return fmt.Errorf("one of nodeType, path or url is required")
	}
	if m.Path != "" && !strings.HasPrefix(m.Path, "/") {
		return fmt.Errorf("path %q must start with /", m.Path)
	}
	return nil
}

// IsSuiteFile reports whether name looks like a suite file when scanning
// directories: *.test.yaml, *.test.yml or *.test.json.
func IsSuiteFile(name string) bool {
	for _, suffix := range []string{".test.yaml", ".test.yml", ".test.json"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// FindFiles expands paths into suite files. Directories are walked for
// suite-named files; files given explicitly are kept whatever their name.
// filter, when set, is a glob matched against the base name.
func FindFiles(paths []string, filter string) ([]string, error) {
	var files []string
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeNotFound, Path: root, Message: "path not found", Err: err}
		}
		if !info.IsDir() {
			add(root)
			continue
		}
		err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				if path != root && strings.HasPrefix(info.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if !IsSuiteFile(info.Name()) {
				return nil
			}
			if filter != "" {
				matched, err := filepath.Match(filter, info.Name())
				if err != nil {
					return fmt.Errorf("invalid filter pattern: %w", err)
				}
				if !matched {
					return nil
				}
			}
			add(path)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Strings(files)
	return files, nil
}

func dirOf(path string) string {
	return filepath.Dir(path)
}
