package main

import "github.com/materials-commons/diode/cmd/diode-origin/cmd"

func main() {
	cmd.Execute()
}
