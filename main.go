package main

import "github.com/kamusis/nix-query/cmd"

func main() {
	cmd.Execute()
}
