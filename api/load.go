package api

import (
	"errors"
	"fmt"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/agentic-research/scanline/internal/channels"
	"github.com/agentic-research/scanline/internal/node"
	"github.com/agentic-research/scanline/internal/ops"
	"github.com/agentic-research/scanline/internal/reader"
)

var (
	ErrUnknownOp   = errors.New("api: unknown operator")
	ErrUnknownNode = errors.New("api: unknown node")
	ErrCycle       = errors.New("api: graph has a cycle")
)

// Load parses a graph definition file.
func Load(path string) (*GraphDef, error) {
	var def GraphDef
	if err := hclsimple.DecodeFile(path, nil, &def); err != nil {
		return nil, fmt.Errorf("api: load %s: %w", path, err)
	}
	return &def, nil
}

// Graph is a built, validated node graph.
type Graph struct {
	Nodes  map[string]*node.Node
	Output *node.Node
	// RequestedChannels is the channel set the render block asks for,
	// MaskRGBA when unspecified.
	RequestedChannels channels.Set
	FirstFrame        int
	LastFrame         int
}

// Build wires a parsed definition into nodes against the given context.
// Edges are checked for cycles while wiring: the DAG invariant every
// cache key depends on is enforced here, at edge-creation time.
func Build(def *GraphDef, ctx *node.Context, headers *reader.HeaderCache) (*Graph, error) {
	byName := make(map[string]*NodeDef, len(def.Nodes))
	for i := range def.Nodes {
		nd := &def.Nodes[i]
		if _, dup := byName[nd.Name]; dup {
			return nil, fmt.Errorf("api: duplicate node %q", nd.Name)
		}
		byName[nd.Name] = nd
	}

	built := make(map[string]*node.Node, len(def.Nodes))
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int, len(def.Nodes))

	var build func(name string) (*node.Node, error)
	build = func(name string) (*node.Node, error) {
		if n, ok := built[name]; ok {
			return n, nil
		}
		nd, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownNode, name)
		}
		if state[name] == visiting {
			return nil, fmt.Errorf("%w: through %q", ErrCycle, name)
		}
		state[name] = visiting

		op, err := makeOp(nd, headers)
		if err != nil {
			return nil, err
		}
		n := node.New(ctx, nd.Name, op)
		if len(nd.Inputs) < op.MinInputs() || len(nd.Inputs) > op.MaxInputs() {
			return nil, fmt.Errorf("api: node %q: op %s wants %d..%d inputs, got %d",
				nd.Name, op.Name(), op.MinInputs(), op.MaxInputs(), len(nd.Inputs))
		}
		for _, inputName := range nd.Inputs {
			parent, err := build(inputName)
			if err != nil {
				return nil, err
			}
			if err := n.Connect(parent); err != nil {
				return nil, err
			}
		}
		state[name] = done
		built[name] = n
		return n, nil
	}

	for name := range byName {
		if _, err := build(name); err != nil {
			return nil, err
		}
	}

	g := &Graph{
		Nodes:             built,
		RequestedChannels: channels.MaskRGBA,
		FirstFrame:        1,
		LastFrame:         1,
	}
	if def.Render != nil {
		out, ok := built[def.Render.Output]
		if !ok {
			return nil, fmt.Errorf("%w: render output %q", ErrUnknownNode, def.Render.Output)
		}
		g.Output = out
		if def.Render.Channels != nil {
			set, err := channels.Parse(*def.Render.Channels)
			if err != nil {
				return nil, fmt.Errorf("api: render channels: %w", err)
			}
			g.RequestedChannels = set
		}
		if def.Render.FirstFrame != nil {
			g.FirstFrame = *def.Render.FirstFrame
		}
		if def.Render.LastFrame != nil {
			g.LastFrame = *def.Render.LastFrame
		}
		if g.LastFrame < g.FirstFrame {
			g.LastFrame = g.FirstFrame
		}
	}
	return g, nil
}

func makeOp(nd *NodeDef, headers *reader.HeaderCache) (node.Op, error) {
	switch nd.Op {
	case "read":
		if nd.Path == nil {
			return nil, fmt.Errorf("api: node %q: read needs path", nd.Name)
		}
		frame := 1
		if nd.Frame != nil {
			frame = *nd.Frame
		}
		return &ops.Read{Path: *nd.Path, Frame: frame, Headers: headers}, nil
	case "grade":
		gain, offset := float32(1), float32(0)
		if nd.Gain != nil {
			gain = float32(*nd.Gain)
		}
		if nd.Offset != nil {
			offset = float32(*nd.Offset)
		}
		return &ops.Grade{Gain: gain, Offset: offset}, nil
	case "merge":
		return &ops.Merge{}, nil
	case "blur1d":
		radius := 1
		if nd.Radius != nil {
			radius = *nd.Radius
		}
		return &ops.Blur1D{Radius: radius}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOp, nd.Op)
	}
}

// Validate runs Info validation and channel requests down from the output
// node. Call after Build, before pulling rows.
func (g *Graph) Validate() error {
	if g.Output == nil {
		return errors.New("api: graph has no render block")
	}
	if err := g.Output.Validate(); err != nil {
		return err
	}
	g.Output.Request(g.RequestedChannels)
	g.Output.ComputeTreeHash(make(map[string]bool))
	return nil
}
