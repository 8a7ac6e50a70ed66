//go:build linux

package zbdctl

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kkkday/zbd/lib/comparator"
	"github.com/kkkday/zbd/lib/zone"
)

var (
	allocLifetime string
	allocLevel    int
	allocSmallest string
	allocLargest  string
)

var allocCmd = &cobra.Command{
	Use:          "alloc",
	Short:        "run one allocator pass and report the selected zone",
	PreRunE:      bindFlags,
	RunE:         runAlloc,
	SilenceUsage: true,
}

func init() {
	allocCmd.Flags().StringVar(&allocLifetime, "lifetime", "medium",
		wrapHelp("write-lifetime hint: none, short, medium, long, extreme"))
	allocCmd.Flags().IntVar(&allocLevel, "level", 100,
		wrapHelp("LSM level the file being written belongs to (100 means no level information)"))
	allocCmd.Flags().StringVar(&allocSmallest, "smallest", "",
		wrapHelp("smallest internal key of the file being written"))
	allocCmd.Flags().StringVar(&allocLargest, "largest", "",
		wrapHelp("largest internal key of the file being written"))
}

func runAlloc(cmd *cobra.Command, args []string) error {
	lt, err := parseLifetime(allocLifetime)
	if err != nil {
		return err
	}

	c, err := openCore(false, nil)
	if err != nil {
		return err
	}

	z, err := c.AllocateZone(lt, comparator.InternalKey(allocSmallest), comparator.InternalKey(allocLargest), allocLevel)
	if err != nil {
		return err
	}
	if z == nil {
		return fmt.Errorf("no zone available")
	}

	fmt.Printf("zone=%d start=0x%x lifetime=%d\n", z.ID(), z.Start(), z.Lifetime())
	return nil
}

func parseLifetime(s string) (zone.LifetimeHint, error) {
	switch strings.ToLower(s) {
	case "none":
		return zone.None, nil
	case "short":
		return zone.Short, nil
	case "medium":
		return zone.Medium, nil
	case "long":
		return zone.Long, nil
	case "extreme":
		return zone.Extreme, nil
	default:
		return zone.NotSet, fmt.Errorf("invalid lifetime %q (want none, short, medium, long, extreme)", s)
	}
}
