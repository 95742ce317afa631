package main

import (
	"convoy/cmd"
)

func main() {
	cmd.Execute()
}
