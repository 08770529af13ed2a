package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/wftest/internal/suite"
)

// FileValidation is the outcome of loading one suite file.
type FileValidation struct {
	Path    string `json:"path"`
	Suite   string `json:"suite,omitempty"`
	Tests   int    `json:"tests"`
	Valid   bool   `json:"valid"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool             `json:"valid"`
	Files []FileValidation `json:"files"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [paths...]",
		Short: "Validate suite files without running them",
		Long: `Load every suite under the given paths and report schema and
consistency errors. Nothing is executed.`,
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"."}
			}
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	files, err := suite.FindFiles(paths, "")
	if err != nil {
		var le *suite.LoadError
		if errors.As(err, &le) {
			return outputValidateError(formatter, le.Code, le.Error())
		}
		return outputValidateError(formatter, suite.ErrCodeRead, err.Error())
	}
	if len(files) == 0 {
		return outputValidateError(formatter, suite.ErrCodeNoSuites, fmt.Sprintf("no suite files found in %v", paths))
	}

	result := ValidationResult{Valid: true, Files: make([]FileValidation, 0, len(files))}
	for _, path := range files {
		formatter.VerboseLog("Validating %s", path)
		fv := FileValidation{Path: path, Valid: true}
		s, err := suite.Load(path)
		if err != nil {
			fv.Valid = false
			fv.Message = err.Error()
			var le *suite.LoadError
			if errors.As(err, &le) {
				fv.Code = le.Code
			}
			result.Valid = false
		} else {
			fv.Suite = s.Name
			fv.Tests = len(s.Tests)
		}
		result.Files = append(result.Files, fv)
	}

	if formatter.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		st := formatter.Styles()
		for _, fv := range result.Files {
			if fv.Valid {
				fmt.Fprintf(formatter.Writer, "%s %s (%s, %d tests)\n", st.Pass.Render("✓"), fv.Path, fv.Suite, fv.Tests)
				continue
			}
			fmt.Fprintf(formatter.Writer, "%s %s\n", st.Fail.Render("✗"), fv.Path)
			fmt.Fprintf(formatter.Writer, "    [%s] %s\n", fv.Code, fv.Message)
		}
		if result.Valid {
			fmt.Fprintln(formatter.Writer, "✓ All suites valid")
		}
	}

	if !result.Valid {
		return NewExitError(ExitFailure, "one or more suites are invalid")
	}
	return nil
}

// outputValidateError reports a failure to locate suites.
func outputValidateError(formatter *OutputFormatter, code, message string) error {
	_ = formatter.Error(code, message, nil)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}
