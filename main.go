package main

import "github.com/BioHazard786/ZoneVoice/cmd"

func main() {
	cmd.Execute()
}
