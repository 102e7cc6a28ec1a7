package main

import "github.com/dustfold/sweeper/internal/cli"

func main() {
	cli.Execute()
}
