package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/teslashibe/floorwatch/internal/audio"
	"github.com/teslashibe/floorwatch/internal/usbprobe"
)

func newDevicesCommand() *cobra.Command {
	var usb bool
	var vid, pid uint16

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List capture devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := audio.ListDevices()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INDEX\tNAME\tID\tDEFAULT")
			for _, d := range devices {
				def := ""
				if d.IsDefault {
					def = "*"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", d.Index, d.Name, d.ID, def)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if !usb {
				return nil
			}

			matches, err := usbprobe.New(usbprobe.Config{VendorID: vid, ProductID: pid}, nil).Find()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nUSB %04x:%04x: %d attached\n", vid, pid, len(matches))
			for _, m := range matches {
				fmt.Fprintf(cmd.OutOrStdout(), "  bus %d addr %d  %s %s %s\n", m.Bus, m.Address, m.Manufacturer, m.Product, m.Serial)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&usb, "usb", false, "also look for the USB microphone array")
	cmd.Flags().Uint16Var(&vid, "vid", usbprobe.DefaultVendorID, "USB vendor id")
	cmd.Flags().Uint16Var(&pid, "pid", usbprobe.DefaultProductID, "USB product id")
	return cmd
}
