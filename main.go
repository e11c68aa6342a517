package main

import "github.com/altermind/altermind/cmd"

func main() {
	cmd.Execute()
}
