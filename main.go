package main

import "github.com/wundergraph/storefront-mesh/cmd"

func main() {
	cmd.Execute()
}
