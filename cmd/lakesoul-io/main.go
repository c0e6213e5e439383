package main

import "github.com/lakesoul-io/nativeio/cmd/lakesoul-io/cmd"

func main() {
	cmd.Execute()
}
