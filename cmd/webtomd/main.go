package main

import "github.com/JakeFAU/webtomd/cmd"

func main() {
	cmd.Execute()
}
