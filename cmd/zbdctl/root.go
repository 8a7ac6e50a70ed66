//go:build linux

// Package zbdctl implements the command-line interface for driving a
// host-managed zoned block device directly: opening it, inspecting its
// zone-space accounting, and running the allocator and cleaner by hand —
// the same operations a storage-engine core performs internally.
//
// It follows the shape of the teacher's cmd package: a cobra root command,
// spf13/viper binding flags to environment variables, and joho/godotenv
// for local .env loading, mirroring cmd/serve/root.go's PreRunE/RunE split.
package zbdctl

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kkkday/zbd/internal/zlog"
	"github.com/kkkday/zbd/lib/core"
	"github.com/kkkday/zbd/lib/device"
	"github.com/kkkday/zbd/lib/zone"
)

const Version = "0.1.0"

var RootCmd = &cobra.Command{
	Use:   "zbdctl",
	Short: "inspect and drive a zone-managed block device",
	Long: fmt.Sprintf(`zbdctl (v%s)

A command-line tool for opening a host-managed zoned block device,
reporting its zone-space accounting, and running its allocator and
cleaner directly.`, Version),
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print zbdctl's version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("zbdctl v%s\n", Version)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().String("device", "", wrapHelp("path to the host-managed zoned block device, e.g. /dev/nvme0n2"))
	RootCmd.PersistentFlags().Uint32("finish-threshold", 10, wrapHelp("percent capacity remaining below which housekeeping finishes a zone"))
	RootCmd.PersistentFlags().String("log-level", "info", wrapHelp("log level: debug, info, warn, error"))

	RootCmd.AddCommand(openCmd, statsCmd, allocCmd, cleanCmd, versionCmd)
}

// bindFlags binds a command's flags to viper; every subcommand runs it
// as its PreRunE, before RunE, matching serve/root.go's processConfig step.
func bindFlags(cmd *cobra.Command, _ []string) error {
	return viper.BindPFlags(cmd.Flags())
}

// initConfig reads in local env files and ENV variables if set.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("zbdctl")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func newLogger() *zlog.Logger {
	return zlog.New("zbdctl", zlog.ParseLevel(viper.GetString("log-level")))
}

// openCore opens the configured device and wires a Core around it.
// onBytesCopied may be nil.
func openCore(readonly bool, onBytesCopied func(victim, dest zone.ID, n int)) (*core.Core, error) {
	path := viper.GetString("device")
	if path == "" {
		return nil, fmt.Errorf("--device is required")
	}

	bd, err := device.OpenLinuxBlockDevice(path, readonly)
	if err != nil {
		return nil, err
	}

	return core.Open(bd, core.Options{
		ReadOnly:        readonly,
		FinishThreshold: viper.GetUint32("finish-threshold"),
		Logger:          newLogger(),
		OnBytesCopied:   onBytesCopied,
	})
}

// Execute runs the root command; it terminates the process on error,
// mirroring the teacher's cmd.Execute.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
