package cmd

import (
	"fmt"
	"text/tabwriter"

	"cbdlr/internal/defense"
	"cbdlr/internal/liveresponse"
	"cbdlr/internal/logging"

	"github.com/spf13/cobra"
)

// DevicesOptions holds options for the devices command.
type DevicesOptions struct {
	HostName string
	Limit    int
	Start    int
}

func newDevicesCommand(global *GlobalOptions) *cobra.Command {
	opts := &DevicesOptions{Limit: 50}

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List devices and their sensor ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevices(cmd, global, opts)
		},
	}

	cmd.Flags().StringVar(&opts.HostName, "hostname", "", "only show the device with this host name")
	cmd.Flags().IntVar(&opts.Limit, "limit", opts.Limit, "maximum number of devices to show")
	cmd.Flags().IntVar(&opts.Start, "start", 0, "1-based index of the first device")
	return cmd
}

func runDevices(cmd *cobra.Command, global *GlobalOptions, opts *DevicesOptions) error {
	logger, err := global.setupLogging("devices")
	if err != nil {
		return err
	}
	defer func() { _ = logging.Close() }()

	conn, err := global.connect(cmd, logger)
	if err != nil {
		return err
	}
	client, err := defense.NewClient(conn, liveresponse.DefaultConfig())
	if err != nil {
		return err
	}

	devices, total, err := client.Devices(cmd.Context(), defense.DeviceQuery{
		HostName: opts.HostName,
		Rows:     opts.Limit,
		Start:    opts.Start,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tOS\tSTATUS\tSENSOR\tLAST CONTACT\tINTERNAL IP")
	for _, d := range devices {
		contact := "-"
		if !d.LastContact().IsZero() {
			contact = d.LastContact().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.DeviceID, d.Name, d.OS, d.Status, d.SensorVersion, contact, d.LastInternalIP)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if total > len(devices) {
		fmt.Fprintf(out, "\nshowing %d of %d devices\n", len(devices), total)
	}
	return nil
}
