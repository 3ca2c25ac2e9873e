// Package main wires together the enrichd executable.
package main

import "github.com/enrichd/enrichd/cmd"

func main() {
	cmd.Execute()
}
