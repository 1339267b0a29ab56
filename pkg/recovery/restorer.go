package recovery

import (
	"context"
	"fmt"

	"github.com/cuemby/botfleet/pkg/commandbus"
)

// BusRestorer restores tenants by sending bot.restore to the target agent
type BusRestorer struct {
	bus commandbus.Bus
}

// NewBusRestorer creates a restorer over the command bus
func NewBusRestorer(bus commandbus.Bus) *BusRestorer {
	return &BusRestorer{bus: bus}
}

func (r *BusRestorer) Restore(ctx context.Context, nodeID, tenant, backupKey string) error {
	res, err := r.bus.Send(ctx, nodeID, commandbus.RestoreCommand(tenant, backupKey))
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("agent on %s rejected restore of %s: %s", nodeID, tenant, res.Error)
	}
	return nil
}
