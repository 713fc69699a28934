package main

import "github.com/oshokin/crx-server/cmd/crx-server/cmd"

func main() {
	cmd.Execute()
}
