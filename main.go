package main

import "github.com/famulus-dev/famulus/cmd"

func main() {
	cmd.Execute()
}
