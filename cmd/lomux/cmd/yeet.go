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
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/blacktop/lomux"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(yeetCmd)

	yeetCmd.Flags().BoolP("install", "i", false, "install the app once it is staged")
}

// yeetCmd represents the yeet command
var yeetCmd = &cobra.Command{
	Use:           "yeet <BUNDLE_ID> <IPA>",
	Short:         "Stage an app package on the device",
	Args:          cobra.ExactArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		install, _ := cmd.Flags().GetBool("install")

		conf, err := setup()
		if err != nil {
			return err
		}
		dev, err := openDevice(conf)
		if err != nil {
			return err
		}

		ipa, err := os.ReadFile(filepath.Clean(args[1]))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[1], err)
		}
		log.WithField("size", humanize.Bytes(uint64(len(ipa)))).Infof("Sending %s", filepath.Base(args[1]))

		var pb *progressBar
		if install {
			pb = newProgressBar("Installing")
		}
		opts := []lomux.Option{lomux.WithDevice(dev)}
		if pb != nil {
			opts = append(opts, lomux.WithProgress(pb.update))
		}
		m := lomux.New(conf, opts...)

		if err := m.YeetApp(args[0], ipa); err != nil {
			if pb != nil {
				pb.done(err)
			}
			return fmt.Errorf("failed to stage %s: %w", args[0], err)
		}
		if !install {
			return nil
		}

		err = m.InstallIPA(args[0])
		pb.done(err)

		return err
	},
}
