// Package api defines the graph-definition schema: the HCL surface a user
// writes to describe a compositing tree, and the builder that wires it
// into an evaluable node graph.
package api

// GraphDef is the top level of a graph definition file.
type GraphDef struct {
	Nodes  []NodeDef  `hcl:"node,block"`
	Render *RenderDef `hcl:"render,block"`
}

// NodeDef declares one node: its operator, its inputs by name (in input
// order, which is significant), and the operator's parameters as flat
// optional attributes.
type NodeDef struct {
	Name   string   `hcl:"name,label"`
	Op     string   `hcl:"op"`
	Inputs []string `hcl:"inputs,optional"`

	// Read
	Path  *string `hcl:"path,optional"`
	Frame *int    `hcl:"frame,optional"`

	// Grade
	Gain   *float64 `hcl:"gain,optional"`
	Offset *float64 `hcl:"offset,optional"`

	// Blur1D
	Radius *int `hcl:"radius,optional"`
}

// RenderDef names the output node and what to pull from it.
type RenderDef struct {
	Output     string  `hcl:"output"`
	Channels   *string `hcl:"channels,optional"`
	FirstFrame *int    `hcl:"first_frame,optional"`
	LastFrame  *int    `hcl:"last_frame,optional"`
}
