package main

import "github.com/agentic-research/scanline/cmd"

func main() {
	cmd.Execute()
}
