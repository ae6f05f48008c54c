package main

import (
	"fmt"
	"io"
	"slices"
	"text/tabwriter"

	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"

	"github.com/gogpu/orbit/backend"
	"github.com/gogpu/orbit/catalog"
)

func newBackendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "list registered compute backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listBackends(cmd.OutOrStdout())
		},
	}
}

func listBackends(out io.Writer) error {
	def, _, err := backend.Default()
	if err != nil {
		return err
	}
	for _, name := range backend.Available() {
		marker := " "
		if name == def {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %s\n", marker, name)
	}
	return nil
}

func newInspectCmd() *cobra.Command {
	var (
		path string
		tle  string
		plot bool
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "print catalog statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				c   *catalog.Catalog
				err error
			)
			if tle != "" {
				c, err = catalog.LoadTLE(tle, now())
			} else {
				c, err = catalog.Load(path)
			}
			if err != nil {
				return err
			}
			if err := inspect(cmd.OutOrStdout(), c); err != nil {
				return err
			}
			if plot {
				return plotAltitudes(cmd.OutOrStdout(), c)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "catalog", "catalog.json", "catalog file (json)")
	cmd.Flags().StringVar(&tle, "tle", "", "three-line element file, propagated to now instead of --catalog")
	cmd.Flags().BoolVar(&plot, "plot", false, "plot the altitude distribution")
	return cmd
}

func inspect(out io.Writer, c *catalog.Catalog) error {
	s, err := c.Stats()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "objects\t%d\n", s.Count)
	fmt.Fprintf(w, "stationary\t%d\n", s.Stationary)
	if s.Count > 0 {
		fmt.Fprintf(w, "altitude (km)\t%.1f .. %.1f\n", s.MinAltitude, s.MaxAltitude)
	}
	if s.Count > s.Stationary {
		fmt.Fprintf(w, "period (min)\t%.1f .. %.1f\n", s.MinPeriod/60, s.MaxPeriod/60)
	}
	return w.Flush()
}

// plotAltitudes draws the sorted altitudes, so the curve's plateaus are the
// populated orbital shells.
func plotAltitudes(out io.Writer, c *catalog.Catalog) error {
	if c.Len() < 2 {
		return nil
	}
	alts := make([]float64, c.Len())
	for i, rec := range c.Records {
		alts[i] = catalog.Altitude(rec.R)
	}
	slices.Sort(alts)
	graph := asciigraph.Plot(alts,
		asciigraph.Height(12),
		asciigraph.Width(72),
		asciigraph.Caption("altitude (km) by rank"),
	)
	_, err := fmt.Fprintln(out, graph)
	return err
}
