// Package main is entrypoint for the application
package main

import "meshcall/cmd"

func main() {
	cmd.Run()
}
