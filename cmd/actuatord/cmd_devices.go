/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/friendsincode/actuator/internal/driver"
)

var validateDevicesCmd = &cobra.Command{
	Use:   "validate-devices <file>",
	Short: "Check a device registry file",
	Long: `Parse and validate a device registry file without starting the server.

Examples:
  actuatord validate-devices devices.yaml
`,
	Args: cobra.ExactArgs(1),
	RunE: runValidateDevices,
}

func init() {
	rootCmd.AddCommand(validateDevicesCmd)
}

func runValidateDevices(cmd *cobra.Command, args []string) error {
	f, err := driver.Load(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, d := range f.Devices {
		fmt.Fprintf(out, "%s\n", d.Path)
		for _, p := range d.Points {
			access := "ro"
			if p.Writable {
				access = "rw"
			}
			fmt.Fprintf(out, "  %-32s %-6s %s default=%v\n", p.Name, p.Type, access, p.Default)
		}
	}
	fmt.Fprintf(out, "%d devices, %d points\n", len(f.Devices), f.PointCount())
	return nil
}
