package main

import "github.com/ozanturksever/go-testcluster/cmd/go-testcluster/cmd"

func main() {
	cmd.Execute()
}
