package main

import "github.com/example/seatwatch/cmd"

func main() {
	cmd.Execute()
}
