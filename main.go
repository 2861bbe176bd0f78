package main

import "github.com/TomasGnG/discord-bot/cmd"

func main() {
	cmd.Execute()
}
