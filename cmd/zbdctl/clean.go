//go:build linux

package zbdctl

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kkkday/zbd/lib/zone"
)

var (
	cleanBudget  int
	cleanVerbose bool
)

var cleanCmd = &cobra.Command{
	Use:          "clean",
	Short:        "run zone cleaning and report how many zones were reclaimed",
	PreRunE:      bindFlags,
	RunE:         runClean,
	SilenceUsage: true,
}

func init() {
	cleanCmd.Flags().IntVar(&cleanBudget, "budget", 1,
		wrapHelp("number of zones to reset; 0 recycles one reserved zone into the io pool without cleaning"))
	cleanCmd.Flags().BoolVarP(&cleanVerbose, "verbose", "v", false,
		wrapHelp("print every extent copy performed during evacuation"))
}

func runClean(cmd *cobra.Command, args []string) error {
	var cb func(victim, dest zone.ID, n int)
	if cleanVerbose {
		cb = func(victim, dest zone.ID, n int) {
			fmt.Printf("copied %d bytes: zone %d -> zone %d\n", n, victim, dest)
		}
	}

	c, err := openCore(false, cb)
	if err != nil {
		return err
	}

	reset, err := c.ZoneCleaning(cleanBudget)
	if err != nil {
		return err
	}

	fmt.Printf("reset=%d\n", reset)
	return nil
}
