package suite

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied when neither the run config nor a suite sets a value.
const (
	DefaultConcurrency    = 1
	DefaultTimeout        = 30 * time.Second
	DefaultRetryBackoff   = time.Second
	DefaultMockServerPort = 3456
	DefaultWorkDir        = ".wftest-tmp"
	DefaultSubjectCommand = "n8n"
)

// DefaultSubjectArgs invoke the subject on one prepared workflow file.
// {file} is replaced with the fixture path.
var DefaultSubjectArgs = []string{"execute", "--file={file}", "--rawOutput"}

// RunConfig is the optional wftest.yaml file.
type RunConfig struct {
	Config `yaml:",inline"`

	// RetryBackoff is the base delay; attempt n waits n*RetryBackoff.
	RetryBackoff Duration `yaml:"retryBackoff,omitempty"`

	// EnvFile is a dotenv file merged under Environment.
	EnvFile string `yaml:"envFile,omitempty"`

	// WorkDir receives prepared fixtures.
	WorkDir string `yaml:"workDir,omitempty"`

	Subject  SubjectConfig  `yaml:"subject,omitempty"`
	Coverage CoverageConfig `yaml:"coverage,omitempty"`
}

// SubjectConfig names the executable that runs a prepared workflow.
type SubjectConfig struct {
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
}

// CoverageConfig controls coverage collection and persistence.
type CoverageConfig struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	Output   string `yaml:"output,omitempty"`
	Database string `yaml:"database,omitempty"`
}

// DefaultRunConfig returns a RunConfig populated with defaults.
func DefaultRunConfig() RunConfig {
	retries := 0
	bail := false
	return RunConfig{
		Config: Config{
			Concurrency:    DefaultConcurrency,
			Timeout:        Duration(DefaultTimeout),
			Retries:        &retries,
			Bail:           &bail,
			MockServerPort: DefaultMockServerPort,
		},
		RetryBackoff: Duration(DefaultRetryBackoff),
		WorkDir:      DefaultWorkDir,
		Subject: SubjectConfig{
			Command: DefaultSubjectCommand,
			Args:    append([]string(nil), DefaultSubjectArgs...),
		},
	}
}

// LoadRunConfig reads path over the defaults. A missing file is an error;
// callers that treat the file as optional check existence first.
func LoadRunConfig(path string) (RunConfig, error) {
	cfg := DefaultRunConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	var file RunConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Config = cfg.Config.Merge(&file.Config)
	if file.RetryBackoff > 0 {
		cfg.RetryBackoff = file.RetryBackoff
	}
	if file.WorkDir != "" {
		cfg.WorkDir = file.WorkDir
	}
	if file.Subject.Command != "" {
		cfg.Subject.Command = file.Subject.Command
		cfg.Subject.Args = file.Subject.Args
	} else if len(file.Subject.Args) > 0 {
		cfg.Subject.Args = file.Subject.Args
	}
	cfg.Coverage = file.Coverage

	if file.EnvFile != "" {
		envPath := file.EnvFile
		if !filepath.IsAbs(envPath) {
			envPath = filepath.Join(filepath.Dir(path), envPath)
		}
		cfg.EnvFile = envPath
	}
	if err := cfg.ApplyEnvFile(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnvFile merges EnvFile under Environment. Keys already present in
// Environment win.
func (c *RunConfig) ApplyEnvFile() error {
	if c.EnvFile == "" {
		return nil
	}
	vars, err := godotenv.Read(c.EnvFile)
	if err != nil {
		return fmt.Errorf("failed to read env file %s: %w", c.EnvFile, err)
	}
	env := make(map[string]string, len(vars)+len(c.Environment))
	for k, v := range vars {
		env[k] = v
	}
	for k, v := range c.Environment {
		env[k] = v
	}
	c.Environment = env
	return nil
}
