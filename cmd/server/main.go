package main

import "github.com/parcelworks/server/cmd/server/cmd"

func main() {
	cmd.Execute()
}
