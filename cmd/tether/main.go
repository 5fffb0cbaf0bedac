package main

import "github.com/tetherhq/tether/internal/cmd"

func main() {
	cmd.Execute()
}
