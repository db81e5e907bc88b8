package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dcrodman/rallycam/internal/core"
	"github.com/dcrodman/rallycam/internal/core/cache"
	"github.com/dcrodman/rallycam/internal/gamedata"
	"github.com/dcrodman/rallycam/internal/locator"
)

var scanCmd = &cobra.Command{
	Use:   "scan <game.exe>",
	Short: "Reports how often each signature occurs in a game executable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		img, err := openImage(args[0])
		if err != nil {
			return err
		}
		ok, err := scanImage(cmd.OutOrStdout(), img, newLogger())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s is not compatible with these signatures", args[0])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func newLogger() *logrus.Logger {
	log := core.BootstrapLogger()
	log.SetOutput(os.Stderr)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}
	return log
}

// scanImage writes one line per signature and reports whether all of them
// matched the expected number of times.
func scanImage(w io.Writer, img *image, log logrus.FieldLogger) (bool, error) {
	reg, err := gamedata.NewRegistry()
	if err != nil {
		return false, err
	}
	l := locator.New(img.mem, log, cache.New())

	results, err := l.Report(reg, img.base, img.size)
	if err != nil {
		return false, err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tBLOCK\tMATCHES\tADDRESSES")
	allOK := true
	for _, r := range results {
		status := "ok"
		if !r.OK() {
			status, allOK = "FAIL", false
		}
		addrs := make([]string, 0, len(r.Matches))
		for _, a := range r.Matches {
			addrs = append(addrs, fmt.Sprintf("0x%X", a))
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\n", status, r.Name, len(r.Matches), r.Expected, strings.Join(addrs, " "))
	}
	if err := tw.Flush(); err != nil {
		return false, err
	}

	if !allOK {
		return false, nil
	}
	if err := l.Resolve(reg, img.base, img.size); err != nil {
		return false, err
	}
	fmt.Fprintf(w, "%d addresses resolved\n", l.Known())
	fov, _ := reg.Get(gamedata.AbsoluteFOV)
	addr, err := l.AbsoluteFromRIP(fov, gamedata.FOVDisplacementEnd)
	if err != nil {
		return false, err
	}
	fmt.Fprintf(w, "field of view operand resolves to 0x%X\n", addr)
	return true, nil
}
