package main

import "github.com/bisectd/bisectd/cmd"

func main() {
	cmd.Execute()
}
