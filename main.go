package main

import "github.com/qrave1/voicelink/cmd"

func main() {
	cmd.Execute()
}
