package main

import "pathguard.enforcer/internal/cli"

func main() {
	cli.Execute()
}
