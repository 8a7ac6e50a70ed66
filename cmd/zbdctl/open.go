//go:build linux

package zbdctl

import (
	"fmt"

	"github.com/spf13/cobra"
)

var openCmd = &cobra.Command{
	Use:          "open",
	Short:        "open the device and report its zone partitioning",
	PreRunE:      bindFlags,
	RunE:         runOpen,
	SilenceUsage: true,
}

func runOpen(cmd *cobra.Command, args []string) error {
	c, err := openCore(true, nil)
	if err != nil {
		return err
	}
	d := c.Device()
	fmt.Printf("block_size=%d zone_size=%d\n", d.BlockSize(), d.ZoneSize())
	fmt.Printf("meta=%d reserved=%d io=%d max_open_io=%d max_active_io=%d\n",
		len(d.MetaZones()), d.ReservedCount(), len(d.IOZones()), d.MaxOpenIO(), d.MaxActiveIO())
	return nil
}
