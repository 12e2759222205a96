package main

import "github.com/KaramelBytes/chatstream/cmd"

func main() {
	cmd.Execute()
}
