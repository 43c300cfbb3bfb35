package main

import "github.com/rolekeeper/rolekeeper/cmd"

func main() {
	cmd.Execute()
}
