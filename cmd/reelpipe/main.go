// Package main is the reelpipe daemon entry point.
package main

import "github.com/reelpipe/reelpipe/cmd"

func main() {
	cmd.Execute()
}
