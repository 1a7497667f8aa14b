package main

import "github.com/juanfont/impersonate/cli"

func main() {
	cli.Execute()
}
