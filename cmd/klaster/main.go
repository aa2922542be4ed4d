package main

import "klaster/internal/cli"

func main() {
	cli.Execute()
}
