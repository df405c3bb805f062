package cmd

import (
	"fmt"
	"sort"

	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"

	"github.com/agentic-research/scanline/api"
)

var graphJSON bool

func init() {
	graphCmd.Flags().BoolVar(&graphJSON, "json", false, "Emit JSON")
	rootCmd.AddCommand(graphCmd)
}

var graphCmd = &cobra.Command{
	Use:   "graph [graph.hcl]",
	Short: "Validate a graph definition and print its nodes and fingerprints",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := api.Load(args[0])
		if err != nil {
			return err
		}
		ctx, headers, err := openContext()
		if err != nil {
			return err
		}
		defer ctx.Pool.Close()
		g, err := api.Build(def, ctx, headers)
		if err != nil {
			return err
		}
		if err := g.Validate(); err != nil {
			return err
		}

		names := make([]string, 0, len(g.Nodes))
		for name := range g.Nodes {
			names = append(names, name)
		}
		sort.Strings(names)

		if graphJSON {
			nodes := make([]map[string]any, 0, len(names))
			for _, name := range names {
				n := g.Nodes[name]
				parents := make([]string, 0, len(n.Parents()))
				for _, p := range n.Parents() {
					parents = append(parents, p.Name())
				}
				nodes = append(nodes, map[string]any{
					"name":        name,
					"op":          n.Op().Name(),
					"inputs":      parents,
					"fingerprint": fmt.Sprintf("%016x", n.HashValue()),
					"channels":    n.Info().Channels.String(),
					"data_window": n.Info().Box.String(),
				})
			}
			fmt.Println(oj.JSON(map[string]any{
				"output": g.Output.Name(),
				"nodes":  nodes,
			}, 2))
			return nil
		}

		for _, name := range names {
			n := g.Nodes[name]
			mark := " "
			if n == g.Output {
				mark = "*"
			}
			fmt.Printf("%s %-16s %-8s %016x  %s %s\n",
				mark, name, n.Op().Name(), n.HashValue(),
				n.Info().Channels, n.Info().Box)
		}
		return nil
	},
}
