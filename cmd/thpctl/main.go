package main

import "github.com/ZentaChain/thp/cmd/thpctl/cmd"

func main() {
	cmd.Execute()
}
