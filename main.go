package main

import "github.com/mbkchat/convhub/cmd"

func main() {
	cmd.Execute()
}
