package main

import "github.com/bryanchriswhite/multiboxer/cmd/multiboxer/commands"

func main() {
	commands.Execute()
}
