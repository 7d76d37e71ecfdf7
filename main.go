package main

import "lenslate/cmd"

func main() {
	cmd.Execute()
}
