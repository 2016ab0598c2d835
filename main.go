package main

import "github.com/quorumsec/aegis/cmd"

func main() {
	cmd.Execute()
}
