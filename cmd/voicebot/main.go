package main

import (
	"fmt"
	"os"

	"github.com/learninglab/voicebot/bot"
)

func main() {
	if err := bot.RunApp(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
