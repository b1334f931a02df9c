package main

import (
	"fmt"

	"github.com/Honorable-Knights-of-the-Roundtable/livecaption/pkg/audiodevice"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio endpoints",
	Long: `List capture endpoints (microphones) and render endpoints (speakers).
A render endpoint id can be given as the loopback device.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		api, err := deviceAPI()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, direction := range []audiodevice.Direction{audiodevice.DirectionCapture, audiodevice.DirectionRender} {
			devices := api.ListDevices(direction)
			fmt.Fprintf(out, "%s devices (%d):\n", direction, len(devices))
			for _, d := range devices {
				fmt.Fprintln(out, d)
			}
		}
		return nil
	},
}
