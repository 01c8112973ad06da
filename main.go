package main

import "github.com/kilnhq/kiln/cmd"

func main() {
	cmd.Execute()
}
