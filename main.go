package main

import "github.com/kWAYTV/chatgpt-discord-bot/cmd"

func main() {
	cmd.Execute()
}
