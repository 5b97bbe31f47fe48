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
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/maestro/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version = "dev"
	commit  = "unknown"
)

// Exit codes.
const (
	exitOK         = 0
	exitValidation = 1
	exitExecution  = 2
	exitTimeout    = 3
	exitSuspended  = 4
)

// exitError carries a specific process exit code up to main.
type exitError struct {
	code    int
	message string
}

func (e *exitError) Error() string { return e.message }

func main() {
	log.Setup()

	root := &cobra.Command{
		Use:           "maestro",
		Short:         "Run and manage ensemble workflows",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Accept snake_case flag spellings alongside the kebab-case ones.
	root.PersistentFlags().SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	root.AddCommand(
		newRunCommand(),
		newValidateCommand(),
		newResumeCommand(),
		newApproveCommand(),
		newRejectCommand(),
		newDaemonCommand(),
	)

	if err := root.Execute(); err != nil {
		code := exitExecution
		if exit, ok := err.(*exitError); ok {
			code = exit.code
			if exit.message != "" {
				fmt.Fprintln(os.Stderr, "Error: "+exit.message)
			}
		} else {
			fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		}
		os.Exit(code)
	}
}
