// Copyright 2025 Antfly, Inc.
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
package cmd

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/antflydb/seqlabel/lib/checkpoint"
)

var listCmd = &cobra.Command{
	Use:     "list [prefix]",
	Aliases: []string{"ls"},
	Short:   "List local models",
	Long: `List the checkpoints found in the models directory.

Examples:
  seqlabel list
  seqlabel list --models-dir ./models people`,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	root := viper.GetString("models_dir")
	names, err := checkpoint.Discover(root)
	if err != nil {
		return err
	}

	var data [][]string
	for _, name := range names {
		if len(args) > 0 && !strings.HasPrefix(strings.ToLower(name), strings.ToLower(args[0])) {
			continue
		}
		m, err := checkpoint.Load(filepath.Join(root, name))
		if err != nil {
			data = append(data, []string{name, "-", "-", "-", "invalid: " + err.Error()})
			continue
		}
		data = append(data, []string{
			name,
			string(m.Policy),
			m.Backend,
			strconv.Itoa(len(m.Classes)),
			strconv.Itoa(m.MaxLength),
		})
	}
	if len(data) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No models found in %s\n", root)
		return nil
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"NAME", "POLICY", "BACKEND", "CLASSES", "MAX LENGTH"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
	return nil
}
