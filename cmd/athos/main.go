package main

import "github.com/getathos/athos-agent/internal/cli"

func main() {
	cli.Execute()
}
