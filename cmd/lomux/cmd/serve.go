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
	"context"
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/lomux"
	"github.com/blacktop/lomux/pkg/usb"
	"github.com/caarlos0/ctrlc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "loopback address to listen on (default is 127.0.0.1)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default is 27015)")
	serveCmd.Flags().StringP("log", "l", "", "log file (truncated on start)")
	serveCmd.Flags().Bool("no-heartbeat", false, "do not keep a heartbeat session with the device")
	viper.BindPFlag("serve.log", serveCmd.Flags().Lookup("log"))
	viper.BindPFlag("serve.no-heartbeat", serveCmd.Flags().Lookup("no-heartbeat"))
}

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:           "serve",
	Short:         "Serve usbmuxd requests for the paired device",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveHost != "" {
			viper.Set("muxer.host", serveHost)
		}
		if servePort != 0 {
			viper.Set("muxer.port", servePort)
		}
		if viper.GetBool("serve.no-heartbeat") {
			viper.Set("device.heartbeat", false)
		}

		conf, err := setup()
		if err != nil {
			return err
		}
		pairingFile, err := readPairingFile()
		if err != nil {
			return err
		}

		m := lomux.New(conf)
		if err := m.Start(string(pairingFile), viper.GetString("serve.log")); err != nil {
			return fmt.Errorf("failed to start muxer: %w", err)
		}

		if dev, err := openDevice(conf); err == nil {
			if err := dev.Verify(); err != nil {
				log.WithError(err).Warn("Could not verify the device matches the pairing file")
			}
		}

		log.Infof("Clients can reach the muxer with %s=%s", usb.SocketAddressEnv, m.Addr())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := ctrlc.Default.Run(ctx, func() error {
			<-ctx.Done()
			return nil
		}); err != nil {
			log.Warn("Stopping muxer...")
		}
		cancel()

		if err := m.Stop(); err != nil && !errors.Is(err, lomux.ErrNotStarted) {
			return fmt.Errorf("failed to stop muxer: %w", err)
		}

		return nil
	},
}
