package main

import "github.com/nextlevelbuilder/larkcode/cmd"

func main() {
	cmd.Execute()
}
