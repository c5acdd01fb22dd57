package main

import "github.com/freshell/freshell/internal/cmd"

func main() {
	cmd.Execute()
}
