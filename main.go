package main

import "filevora/cmd"

func main() {
	cmd.Execute()
}
