package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/theblitlabs/taskfleet/cmd/cli"
	"github.com/theblitlabs/taskfleet/internal/core/config"
	"github.com/theblitlabs/taskfleet/pkg/logger"
)

var (
	logMode    string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "taskfleet",
	Short: "Device task scheduling and dispatch server",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.InitWithMode(logger.ParseMode(logMode))
		config.GetConfigManager().SetConfigPath(configPath)
	},
	Run: func(cmd *cobra.Command, args []string) {
		runServer(cmd)
	},
}

func runServer(cmd *cobra.Command) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := cli.RunServer(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
		os.Exit(1)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logMode, "log", "pretty", "Log mode: debug, pretty, info, prod, test")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".env", "Path to the env style config file")

	tickCmd.Flags().Uint("device", 0, "Only consider tasks of this device ID")

	closeCmd.Flags().UintSlice("devices", nil, "Device IDs whose pending tasks are cancelled")
	closeCmd.Flags().String("platform", "", "Platform of the tasks to cancel")
	for _, name := range []string{"devices", "platform"} {
		if err := closeCmd.MarkFlagRequired(name); err != nil {
			log.Fatalf("Error marking flag required: %v", err)
		}
	}

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(closeCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the taskfleet server",
	Run: func(cmd *cobra.Command, args []string) {
		runServer(cmd)
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one scheduling pass and print its report",
	Run: func(cmd *cobra.Command, args []string) {
		deviceID, _ := cmd.Flags().GetUint("device")
		if err := cli.RunTick(cmd.Context(), deviceID, cmd.OutOrStdout()); err != nil {
			fmt.Fprintf(os.Stderr, "Tick failed: %v\n", err)
			os.Exit(1)
		}
	},
}

var closeCmd = &cobra.Command{
	Use:   "close",
	Short: "Cancel pending tasks of devices on one platform",
	Run: func(cmd *cobra.Command, args []string) {
		devices, _ := cmd.Flags().GetUintSlice("devices")
		platform, _ := cmd.Flags().GetString("platform")

		n, err := cli.RunClose(cmd.Context(), devices, platform)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Close failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Cancelled %d tasks on %s\n", n, platform)
	},
}
