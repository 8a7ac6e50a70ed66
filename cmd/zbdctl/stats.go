//go:build linux

package zbdctl

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:          "stats",
	Short:        "report space accounting and per-zone usage",
	PreRunE:      bindFlags,
	RunE:         runStats,
	SilenceUsage: true,
}

func runStats(cmd *cobra.Command, args []string) error {
	c, err := openCore(true, nil)
	if err != nil {
		return err
	}

	c.LogZoneStats()
	c.LogZoneUsage()

	fmt.Printf("used=%d free=%d reclaimable=%d free_ratio=%.1f%% total_written=%d\n",
		c.Used(), c.Free(), c.Reclaimable(), c.FreeRatioPercent(), c.TotalWritten())
	return nil
}
