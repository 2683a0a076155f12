package main

import "github.com/materials-commons/diode/cmd/diode-destination/cmd"

func main() {
	cmd.Execute()
}
