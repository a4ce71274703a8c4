package main

import "hypernode-facilitator/internal/cli"

func main() {
	cli.Execute()
}
