// Command homography_fit fits a homography to the correspondences in a
// binary match file and prints it on one line:
//
//	Homography: Matrix3x3((h0,h1,h2)(h3,h4,h5)(h6,h7,h8))
//
// It is the external solver tiepoint runs when fitting.homography_fit_path
// points at it.
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"tiepoint/internal/fitting"
	"tiepoint/internal/geometry"
	"tiepoint/internal/matchfile"
)

const version = "homography_fit 0.3.0"

func main() {
	if err := newCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCmd() *cobra.Command {
	var showVersion bool
	cmd := &cobra.Command{
		Use:          "homography_fit <match-file>",
		Short:        "Fit a homography to a match file",
		SilenceUsage: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				return nil
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintln(cmd.OutOrStdout(), version)
				return nil
			}
			return fitMatchFile(cmd.OutOrStdout(), args[0])
		},
	}
	cmd.Flags().BoolVar(&showVersion, "version", false, "print the version and exit")
	return cmd
}

func fitMatchFile(w io.Writer, path string) error {
	source, target, err := matchfile.ReadFile(path)
	if err != nil {
		return err
	}
	h, err := fitting.SolveHomography(source, target)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "Homography: %s\n", formatMatrix(h.Normalized()))
	return err
}

func formatMatrix(t geometry.Transform) string {
	var b strings.Builder
	b.WriteString("Matrix3x3(")
	for r := 0; r < 3; r++ {
		b.WriteByte('(')
		for c := 0; c < 3; c++ {
			if c > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.FormatFloat(t.At(r, c), 'g', -1, 64))
		}
		b.WriteByte(')')
	}
	b.WriteByte(')')
	return b.String()
}
