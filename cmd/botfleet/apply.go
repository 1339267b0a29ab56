package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cuemby/botfleet/pkg/api"
	"github.com/cuemby/botfleet/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply tenant assignments from a YAML file",
	Long: `Apply tenant assignments from a YAML file. Each document places one
tenant on one node; memory defaults to the control plane's configured tenant
size.

Example:
  kind: Assignment
  metadata:
    name: acme
  spec:
    node: node-1
    memoryMB: 512
    backupKey: backups/acme/latest.tar.zst`,
	RunE: runApply,
}

var drainCmd = &cobra.Command{
	Use:   "drain NODE",
	Short: "Stop a node from receiving recovered tenants",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		c, err := api.NewClient(addr)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		n, err := c.Drain(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to drain %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Node %s is %s\n", n.ID, n.Status)
		return nil
	},
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	applyCmd.Flags().String("addr", "localhost:7400", "Control plane gRPC address")
	_ = applyCmd.MarkFlagRequired("file")

	drainCmd.Flags().String("addr", "localhost:7400", "Control plane gRPC address")
}

// Resource is one YAML document of an apply file
type Resource struct {
	Kind     string           `yaml:"kind"`
	Metadata ResourceMetadata `yaml:"metadata"`
	Spec     AssignmentSpec   `yaml:"spec"`
}

type ResourceMetadata struct {
	Name string `yaml:"name"`
}

type AssignmentSpec struct {
	Node      string `yaml:"node"`
	MemoryMB  int64  `yaml:"memoryMB"`
	BackupKey string `yaml:"backupKey"`
}

func runApply(cmd *cobra.Command, _ []string) error {
	filename, _ := cmd.Flags().GetString("file")
	addr, _ := cmd.Flags().GetString("addr")

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	defer f.Close()

	assignments, err := parseAssignments(f)
	if err != nil {
		return err
	}

	c, err := api.NewClient(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to control plane: %w", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	for _, a := range assignments {
		out, err := c.Assign(ctx, a)
		if err != nil {
			return fmt.Errorf("failed to assign %s: %w", a.Tenant, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s assigned to %s (%dMB)\n", out.Tenant, out.NodeID, out.MemoryMB)
	}
	return nil
}

// parseAssignments reads every document of a multi-document YAML stream
func parseAssignments(r io.Reader) ([]types.Assignment, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var out []types.Assignment
	for i := 1; ; i++ {
		var res Resource
		err := dec.Decode(&res)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}

		if res.Kind != "Assignment" {
			return nil, fmt.Errorf("document %d: unsupported resource kind %q", i, res.Kind)
		}
		if res.Metadata.Name == "" || res.Spec.Node == "" {
			return nil, fmt.Errorf("document %d: metadata.name and spec.node are required", i)
		}
		out = append(out, types.Assignment{
			Tenant:    res.Metadata.Name,
			NodeID:    res.Spec.Node,
			MemoryMB:  res.Spec.MemoryMB,
			BackupKey: res.Spec.BackupKey,
		})
	}
	return out, nil
}
