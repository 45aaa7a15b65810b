package main

import "tuneforge/cmd"

func main() {
	cmd.Execute()
}
