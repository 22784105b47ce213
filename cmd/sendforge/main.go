package main

import (
	"github.com/sendforge/sendforge/cmd/sendforge/commands"
)

func main() {
	commands.Execute()
}
