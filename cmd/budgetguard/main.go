package main

import "budget-guard/internal/cli"

func main() {
	cli.Execute()
}
