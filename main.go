package main

import "waitlist-campaign/cmd"

func main() {
	cmd.Execute()
}
