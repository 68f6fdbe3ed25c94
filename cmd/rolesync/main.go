package main

import "github.com/code-craka/rolesync/cmd/rolesync/cmd"

func main() {
	cmd.Execute()
}
