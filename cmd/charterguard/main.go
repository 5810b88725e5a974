package main

import (
	"github.com/DrSkyle/charterguard/cmd/charterguard/commands"
)

func main() {
	commands.Execute()
}
