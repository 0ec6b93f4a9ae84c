package main

import "github.com/JakeFAU/media-validator/cmd"

func main() {
	cmd.Execute()
}
