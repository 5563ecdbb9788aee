package main

import "github.com/agusx1211/letthemcook/internal/cli"

func main() {
	cli.Execute()
}
