// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/maestro/internal/daemon"
	"github.com/tombee/maestro/internal/framestore"
	"github.com/tombee/maestro/internal/historystore"
	"github.com/tombee/maestro/pkg/ensemble"
	"github.com/tombee/maestro/pkg/ensemble/engine"
	"github.com/tombee/maestro/pkg/ensemble/member"
	"github.com/tombee/maestro/pkg/errors"
)

// defaultDataDir resolves where the CLI keeps suspension frames so
// that approve/resume work across invocations.
func defaultDataDir() string {
	if dir := os.Getenv("MAESTRO_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".maestro"
	}
	return filepath.Join(home, ".maestro")
}

// newEngine builds a CLI engine over SQLite-backed stores in dataDir.
func newEngine(dataDir string) (*engine.Engine, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	frames, err := framestore.NewSQLite(filepath.Join(dataDir, "frames.db"))
	if err != nil {
		return nil, err
	}
	history, err := historystore.NewSQLite(filepath.Join(dataDir, "history.db"))
	if err != nil {
		return nil, err
	}

	registry := member.NewRegistry()
	if err := member.RegisterBuiltins(registry); err != nil {
		return nil, err
	}
	return engine.New(engine.Config{
		Registry: registry,
		Frames:   frames,
		History:  history,
	})
}

// parseInputs turns --input key=value pairs into the execution input.
// Values that parse as JSON keep their structure; everything else
// stays a string.
func parseInputs(pairs []string, inputFile string) (map[string]any, error) {
	input := make(map[string]any)

	if inputFile != "" {
		var data []byte
		var err error
		if inputFile == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(inputFile)
		}
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &input); err != nil {
			return nil, fmt.Errorf("input file must be a JSON object: %w", err)
		}
	}

	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("input %q is not key=value", pair)
		}
		var structured any
		if err := json.Unmarshal([]byte(value), &structured); err == nil {
			input[key] = structured
		} else {
			input[key] = value
		}
	}
	return input, nil
}

// printResult renders an engine result and converts it to the
// documented exit code.
func printResult(result *engine.Result, format string) error {
	switch format {
	case "json":
		encoded, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(encoded))
	default:
		printTextResult(result)
	}

	switch result.Status {
	case engine.StatusSuspended:
		return &exitError{code: exitSuspended}
	case engine.StatusFailed:
		code := exitExecution
		if result.Error != nil {
			switch result.Error.Kind {
			case errors.KindTimeout:
				code = exitTimeout
			case errors.KindValidation, errors.KindCyclicDependency, errors.KindConflictingWrites:
				code = exitValidation
			}
		}
		return &exitError{code: code}
	}
	return nil
}

func printTextResult(result *engine.Result) {
	switch result.Status {
	case engine.StatusSuspended:
		fmt.Println("Execution suspended, waiting for approval.")
		fmt.Println("  Token:   " + result.Token)
		fmt.Println("  Expires: " + result.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
		fmt.Println("Resume with: maestro approve " + result.Token + " && maestro resume <ensemble> " + result.Token)
	case engine.StatusFailed:
		fmt.Printf("Execution failed: %s\n", result.Error.Message)
		if result.Error.Step != "" {
			fmt.Println("  Step: " + result.Error.Step)
		}
		fmt.Println("  Kind: " + string(result.Error.Kind))
	default:
		encoded, _ := json.MarshalIndent(result.Data, "", "  ")
		fmt.Println(string(encoded))
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newRunCommand() *cobra.Command {
	var (
		inputs    []string
		inputFile string
		output    string
		dataDir   string
	)

	cmd := &cobra.Command{
		Use:   "run <ensemble.yaml>",
		Short: "Execute an ensemble",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := ensemble.Load(args[0])
			if err != nil {
				return &exitError{code: exitValidation, message: err.Error()}
			}

			input, err := parseInputs(inputs, inputFile)
			if err != nil {
				return &exitError{code: exitValidation, message: err.Error()}
			}

			eng, err := newEngine(dataDir)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			result, err := eng.Execute(ctx, def, input)
			if err != nil {
				return err
			}
			return printResult(result, output)
		},
	}

	cmd.Flags().StringSliceVarP(&inputs, "input", "i", nil, "Ensemble input in key=value form (value may be JSON)")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "JSON file with inputs (use '-' for stdin)")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text or json")
	cmd.Flags().StringVar(&dataDir, "data-dir", defaultDataDir(), "Directory for suspension frames and history")
	return cmd
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <ensemble.yaml>",
		Short: "Check an ensemble definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := ensemble.Load(args[0])
			if err == nil {
				err = def.Validate()
			}
			if err != nil {
				message := err.Error()
				if suggestion := errors.Suggestion(err); suggestion != "" {
					message += "\n  hint: " + suggestion
				}
				return &exitError{code: exitValidation, message: message}
			}
			fmt.Printf("%s is valid\n", args[0])
			return nil
		},
	}
}

func newResumeCommand() *cobra.Command {
	var (
		output  string
		dataDir string
	)

	cmd := &cobra.Command{
		Use:   "resume <ensemble.yaml> <token>",
		Short: "Resume a suspended execution",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := ensemble.Load(args[0])
			if err != nil {
				return &exitError{code: exitValidation, message: err.Error()}
			}
			eng, err := newEngine(dataDir)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			result, err := eng.Resume(ctx, def, args[1])
			if err != nil {
				return err
			}
			return printResult(result, output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text or json")
	cmd.Flags().StringVar(&dataDir, "data-dir", defaultDataDir(), "Directory for suspension frames and history")
	return cmd
}

func newApproveCommand() *cobra.Command {
	var (
		actor   string
		data    []string
		dataDir string
	)

	cmd := &cobra.Command{
		Use:   "approve <token>",
		Short: "Approve a suspended execution so it can resume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(dataDir)
			if err != nil {
				return err
			}
			approval, err := parseInputs(data, "")
			if err != nil {
				return &exitError{code: exitValidation, message: err.Error()}
			}
			if len(approval) == 0 {
				approval = nil
			}

			ctx, cancel := signalContext()
			defer cancel()
			if err := eng.Suspends().Approve(ctx, args[0], actor, approval); err != nil {
				return err
			}
			fmt.Println("approved " + args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "cli", "Who is approving")
	cmd.Flags().StringSliceVarP(&data, "data", "d", nil, "Approval data in key=value form")
	cmd.Flags().StringVar(&dataDir, "data-dir", defaultDataDir(), "Directory for suspension frames and history")
	return cmd
}

func newRejectCommand() *cobra.Command {
	var (
		actor   string
		reason  string
		dataDir string
	)

	cmd := &cobra.Command{
		Use:   "reject <token>",
		Short: "Reject a suspended execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(dataDir)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			if err := eng.Suspends().Reject(ctx, args[0], actor, reason); err != nil {
				return err
			}
			fmt.Println("rejected " + args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "cli", "Who is rejecting")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the execution is rejected")
	cmd.Flags().StringVar(&dataDir, "data-dir", defaultDataDir(), "Directory for suspension frames and history")
	return cmd
}

func newDaemonCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Serve webhooks, schedules, and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &daemon.Config{}
			if configPath != "" {
				loaded, err := daemon.LoadConfig(configPath)
				if err != nil {
					return &exitError{code: exitValidation, message: err.Error()}
				}
				cfg = loaded
			}

			server, err := daemon.New(cfg, nil)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			return server.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Daemon configuration file")
	return cmd
}
