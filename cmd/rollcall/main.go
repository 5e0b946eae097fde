package main

import "github.com/jmcleod/rollcall/cmd/rollcall/cmd"

func main() {
	cmd.Execute()
}
