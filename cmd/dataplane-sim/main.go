// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command dataplane-sim replays a pcap file through the data-plane core,
// standing in for the NIC-ring/buffer-pool I/O framework that spec.md §1
// names as an external collaborator. It is the module's equivalent of
// the teacher's flywall-sim command, adapted from a DHCP/mDNS discovery
// replayer into a worker.Process driver.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "dataplane-sim",
		Short:         "Replay pcaps through the data-plane core pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newReplayCmd())
	return cmd
}
