package main

import "github.com/ridgetop/ridgeline/frontend/cli/cmd"

func main() {
	cmd.Execute()
}
