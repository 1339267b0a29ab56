package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/cuemby/botfleet/pkg/api"
	"github.com/cuemby/botfleet/pkg/config"
	"github.com/cuemby/botfleet/pkg/controlplane"
	"github.com/cuemby/botfleet/pkg/node"
	"github.com/cuemby/botfleet/pkg/storage"
	"github.com/cuemby/botfleet/pkg/types"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show fleet state from a running control plane",
	Long: `Show fleet state. By default the read-only unix socket in the data
directory is used; pass --addr to query a control plane over TCP, or
--offline to read a stopped control plane's bolt database directly.`,
}

var inspectNodesCmd = &cobra.Command{
	Use:   "nodes [STATUS...]",
	Short: "List nodes, optionally only those in the given statuses",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c fleetReader) error {
			statuses := make([]types.NodeStatus, 0, len(args))
			for _, a := range args {
				statuses = append(statuses, types.NodeStatus(a))
			}
			nodes, err := c.ListNodes(ctx, statuses...)
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), nodes)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tHOST\tSTATUS\tUSED/CAPACITY\tLAST HEARTBEAT")
			for _, n := range nodes {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%dMB\t%s\n", n.ID, n.Host, n.Status, n.UsedMB, n.CapacityMB, since(n.LastHeartbeatAt))
			}
			return w.Flush()
		})
	},
}

var inspectTransitionsCmd = &cobra.Command{
	Use:   "transitions NODE",
	Short: "Show a node's status history, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withClient(cmd, func(ctx context.Context, c fleetReader) error {
			trail, err := c.ListTransitions(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), trail)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tFROM\tTO\tREASON\tBY")
			for _, tr := range trail {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", tr.CreatedAt.Format(time.RFC3339), tr.FromStatus, tr.ToStatus, tr.Reason, tr.TriggeredBy)
			}
			return w.Flush()
		})
	},
}

var inspectRecoveryCmd = &cobra.Command{
	Use:   "recovery [EVENT]",
	Short: "List recovery events, or show one event with its items",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withClient(cmd, func(ctx context.Context, c fleetReader) error {
			if len(args) == 1 {
				detail, err := c.GetRecoveryEvent(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON(cmd) {
					return writeJSON(cmd.OutOrStdout(), detail)
				}
				e := detail.Event
				fmt.Fprintf(cmd.OutOrStdout(), "Event %s on %s: %s (%d recovered, %d failed, %d waiting of %d)\n\n",
					e.ID, e.NodeID, e.Status, e.TenantsRecovered, e.TenantsFailed, e.TenantsWaiting, e.TenantsTotal)
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TENANT\tSTATUS\tTARGET\tRETRIES\tREASON")
				for _, item := range detail.Items {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", item.Tenant, item.Status, item.TargetNode, item.RetryCount, item.Reason)
				}
				return w.Flush()
			}

			evts, err := c.ListRecoveryEvents(ctx, limit)
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), evts)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNODE\tSTATUS\tRECOVERED\tFAILED\tWAITING\tSTARTED")
			for _, e := range evts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n", e.ID, e.NodeID, e.Status, e.TenantsRecovered, e.TenantsFailed, e.TenantsWaiting, e.StartedAt.Format(time.RFC3339))
			}
			return w.Flush()
		})
	},
}

func init() {
	inspectCmd.PersistentFlags().String("addr", "", "Control plane gRPC address (defaults to the local socket)")
	inspectCmd.PersistentFlags().Bool("json", false, "Print JSON")
	inspectCmd.PersistentFlags().Bool("offline", false, "Read the bolt database instead of a running control plane")
	inspectTransitionsCmd.Flags().Int("limit", 20, "Maximum number of transitions")
	inspectRecoveryCmd.Flags().Int("limit", 20, "Maximum number of events")

	inspectCmd.AddCommand(inspectNodesCmd)
	inspectCmd.AddCommand(inspectTransitionsCmd)
	inspectCmd.AddCommand(inspectRecoveryCmd)
}

// fleetReader is the read side shared by the API client and the offline store
type fleetReader interface {
	ListNodes(ctx context.Context, statuses ...types.NodeStatus) ([]*types.Node, error)
	ListTransitions(ctx context.Context, nodeID string, limit int) ([]*types.NodeTransition, error)
	ListRecoveryEvents(ctx context.Context, limit int) ([]*types.RecoveryEvent, error)
	GetRecoveryEvent(ctx context.Context, id string) (*controlplane.RecoveryDetail, error)
}

// storeReader serves inspect straight from a read-only store
type storeReader struct {
	*node.Repository
	store storage.Store
}

func (r storeReader) ListNodes(ctx context.Context, statuses ...types.NodeStatus) ([]*types.Node, error) {
	return r.List(ctx, statuses...)
}

func (r storeReader) ListRecoveryEvents(ctx context.Context, limit int) ([]*types.RecoveryEvent, error) {
	return r.store.ListEvents(ctx, limit)
}

func (r storeReader) GetRecoveryEvent(ctx context.Context, id string) (*controlplane.RecoveryDetail, error) {
	event, err := r.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := r.store.ListItems(ctx, id)
	if err != nil {
		return nil, err
	}
	return &controlplane.RecoveryDetail{Event: event, Items: items}, nil
}

// withClient dials the control plane named by --addr or the local socket,
// or opens the database when --offline is set
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c fleetReader) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	target, _ := cmd.Flags().GetString("addr")
	offline, _ := cmd.Flags().GetBool("offline")
	if target != "" && !offline {
		return dial(ctx, target, fn)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !offline {
		return dial(ctx, "unix:"+socketPath(cfg), fn)
	}
	if cfg.Storage.Backend != config.BackendBolt {
		return fmt.Errorf("--offline needs the %s backend, configured backend is %s", config.BackendBolt, cfg.Storage.Backend)
	}

	store, err := storage.OpenBoltReadOnly(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open database (is botfleet serve running?): %w", err)
	}
	defer store.Close()
	return fn(ctx, storeReader{Repository: node.NewRepository(store), store: store})
}

func dial(ctx context.Context, target string, fn func(ctx context.Context, c fleetReader) error) error {
	c, err := api.NewClient(target)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func asJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func since(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return time.Since(*t).Truncate(time.Second).String() + " ago"
}
