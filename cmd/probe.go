package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"school-attendance-platform/internal/config"
	"school-attendance-platform/internal/device"
	"school-attendance-platform/internal/logging"
	"school-attendance-platform/internal/types"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Probe a ZKTeco terminal directly",
	Long: `Connect to a terminal once, read its identity and capacity, and
print the result. Useful when commissioning a new device before
registering it with the platform.`,
	RunE: runProbeCommand,
}

var (
	probeHost     string
	probePort     int
	probePassword string
	probeTimeout  int
)

func init() {
	probeCmd.Flags().StringVar(&probeHost, "host", "", "terminal IP address (required)")
	probeCmd.Flags().IntVar(&probePort, "port", 4370, "terminal TCP port")
	probeCmd.Flags().StringVar(&probePassword, "comm-password", "", "terminal comm password, if set")
	probeCmd.Flags().IntVar(&probeTimeout, "timeout", 10, "probe timeout in seconds")
	probeCmd.MarkFlagRequired("host")

	rootCmd.AddCommand(probeCmd)
}

func runProbeCommand(cmd *cobra.Command, args []string) error {
	logger := logging.Initialize(logLevel)

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	dev := types.Device{
		Name:         "probe",
		Host:         probeHost,
		Port:         probePort,
		CommPassword: probePassword,
	}

	session := device.NewSession(dev, cfg.Location(), logger,
		device.WithOperationTimeout(time.Duration(probeTimeout)*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(probeTimeout)*time.Second)
	defer cancel()

	fmt.Printf("Probing %s:%d ...\n", probeHost, probePort)

	if err := session.Connect(ctx); err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	defer session.Disconnect()

	if serial, err := session.GetSerial(); err == nil {
		fmt.Printf("Serial:    %s\n", serial)
	}
	if name, err := session.GetDeviceName(); err == nil {
		fmt.Printf("Device:    %s\n", name)
	}
	if firmware, err := session.GetFirmware(); err == nil {
		fmt.Printf("Firmware:  %s\n", firmware)
	}
	if clock, err := session.GetTime(); err == nil {
		fmt.Printf("Clock:     %s\n", clock)
	}
	if capacity, err := session.GetFreeSizes(); err == nil {
		fmt.Printf("Users:     %d / %d\n", capacity.Users, capacity.UsersCap)
		fmt.Printf("Fingers:   %d / %d\n", capacity.Fingers, capacity.FingersCap)
		fmt.Printf("Records:   %d / %d\n", capacity.Records, capacity.RecCap)
	}

	fmt.Println()
	fmt.Println("Terminal is reachable and speaking the expected protocol.")

	return nil
}
