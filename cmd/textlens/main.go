package main

import "github.com/textlens/textlens/cmd/textlens/cmd"

func main() {
	cmd.Execute()
}
