package main

import "github.com/velvetmask/velvet/internal/cli"

func main() {
	cli.Execute()
}
