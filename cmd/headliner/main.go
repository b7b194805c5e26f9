package main

import "github.com/smallbiznis/headliner/internal/cli"

func main() {
	cli.Execute()
}
