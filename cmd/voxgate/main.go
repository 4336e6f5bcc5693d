package main

import "github.com/ppiankov/voxgate/internal/cli"

func main() {
	cli.Execute()
}
