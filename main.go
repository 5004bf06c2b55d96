package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/overmindtech/discovery-server/cmd"
)

func main() {
	cmd.Execute()
}
