package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/w1xm/mumasp/arduino"
)

type ConsoleCommand struct{}

func (c *ConsoleCommand) Execute(args []string) error {
	return run(func(a *app) error {
		fmt.Fprintf(os.Stderr, "connected to %v; type ? for the command list\n", a.channel)
		return console(a.channel, os.Stdin, os.Stdout)
	})
}

// console sends each input line as one command and prints the reply. Note
// that it bypasses the telescope state, so the tracked position is not
// updated by raw moves.
func console(ch *arduino.Channel, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		cmd := strings.TrimSpace(scanner.Text())
		if cmd == "" {
			continue
		}
		response, err := ch.Send(ctx, cmd)
		if err != nil {
			return err
		}
		if response == "" {
			response = "(no response)"
		}
		fmt.Fprintln(out, response)
	}
	return scanner.Err()
}
