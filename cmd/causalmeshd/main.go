package main

import "github.com/LeJamon/causalmesh/internal/cli"

func main() {
	cli.Execute()
}
