// Copyright 2022 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/syncflow/syncwork/engine/pkg/cmd/executor"
)

func main() {
	cmd := &cobra.Command{
		Use:           "syncwork",
		Short:         "Synchronous work executor",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.AddCommand(executor.NewCmdExecutor())
	cmd.AddCommand(executor.NewCmdVersion())

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
