package main

import "applyd/cmd"

func main() {
	cmd.Execute()
}
