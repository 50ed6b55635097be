package main

import "spotqueue/cmd/spotctl/cmd"

func main() {
	cmd.Execute()
}
