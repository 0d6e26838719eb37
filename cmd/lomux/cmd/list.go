/*
Copyright © 2018-2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/lomux"
	"github.com/blacktop/lomux/pkg/usb"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var colorUDID = color.New(color.Bold, color.FgHiGreen).SprintFunc()

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().String("muxer", "", "muxer address (default is the configured listen address)")
}

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:           "list",
	Short:         "List the devices a running muxer advertises",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("muxer")

		conf, err := setup()
		if err != nil {
			return err
		}
		if addr == "" {
			addr = conf.Addr()
		}
		if err := lomux.TargetMuxerAddress(addr); err != nil {
			return err
		}

		conn, err := usb.NewConn()
		if err != nil {
			return fmt.Errorf("failed to connect to muxer: %w", err)
		}
		defer conn.Close()

		devices, err := conn.ListDevices()
		if err != nil {
			return err
		}

		if len(devices) == 0 {
			log.Warn("no devices found")
			return nil
		}

		for _, device := range devices {
			fmt.Println(device)
			record, err := conn.ReadPairRecord(device.SerialNumber)
			if err != nil {
				return fmt.Errorf("failed to read pair record for %s: %w", device.SerialNumber, err)
			}
			fmt.Printf("    UDID:            %s\n", colorUDID(record.UDID))
		}

		return nil
	},
}
