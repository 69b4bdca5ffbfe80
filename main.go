package main

import "github.com/jmehdipour/outbox-engine/cmd"

func main() {
	cmd.Execute()
}
