package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/cuemby/steward/pkg/nodestatus"
	"github.com/cuemby/steward/pkg/storage"
	"github.com/spf13/cobra"
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Show persisted node states",
	Long: `Show the node enable/disable/removal states the agent has persisted
and whether the resource provider acknowledged them. The store is opened
read-only, so this works while the agent is running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")

		store, err := storage.OpenBoltStoreReadOnly(dataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		states, err := nodestatus.NewManager(store, nil, nil, nodestatus.Config{}).List(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to read node states: %v", err)
		}
		if len(states) == 0 {
			fmt.Println("No node states recorded")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NODE\tTYPE\tSTATE\tINTENT\tINSTANCE\tACKNOWLEDGED")
		for _, s := range states {
			n := s.NodeStatus
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%t\n",
				n.NodeName, n.NodeType, n.NodeState, n.NodeDeactivationIntent, n.IntentionInstance, s.IsProcessedByWRP)
		}
		return w.Flush()
	},
}

func init() {
	nodesCmd.Flags().String("data-dir", "/var/lib/steward", "Data directory of the agent")
}
