package main

import "github.com/arcward/chatrelay/cmd"

func main() {
	cmd.Execute()
}
