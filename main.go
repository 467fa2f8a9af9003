package main

import "github.com/samsaffron/docpilot/cmd"

func main() {
	cmd.Execute()
}
