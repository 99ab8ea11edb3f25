package main

import "github.com/killallgit/divechat/cmd"

func main() {
	cmd.Execute()
}
