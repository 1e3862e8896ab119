// status_console.go - interactive raw-mode status console.
//
// Grounded on terminal_host.go's raw-mode stdin handling (term.MakeRaw /
// term.Restore, CR->LF translation) and debug_monitor.go's role as a
// small interactive command loop for inspecting live driver state.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// runConsole puts stdin into raw mode and serves a small line-oriented
// command set against the live rig until the user quits.
func runConsole(r *rig) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("stdin is not a terminal")
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	fmt.Print("hwprobe console — commands: status, tone <hz>, present, quit\r\n")

	reader := bufio.NewReader(os.Stdin)
	var line strings.Builder

	for {
		fmt.Print("> ")
		line.Reset()
		for {
			b, err := reader.ReadByte()
			if err != nil {
				return nil
			}
			if b == '\r' || b == '\n' {
				fmt.Print("\r\n")
				break
			}
			if b == 0x7F || b == 0x08 {
				if line.Len() > 0 {
					s := line.String()
					line.Reset()
					line.WriteString(s[:len(s)-1])
					fmt.Print("\b \b")
				}
				continue
			}
			line.WriteByte(b)
			fmt.Printf("%c", b)
		}

		if done := dispatchCommand(r, line.String()); done {
			return nil
		}
	}
}

// dispatchCommand runs one console command and reports whether the
// console should exit.
func dispatchCommand(r *rig, input string) bool {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "quit", "exit":
		return true
	case "status":
		waitForQuiesce()
		fmt.Print(r.hda.Status(), "\r\n")
		fmt.Print(r.gpu.InfoString(), "\r\n")
	case "tone":
		if len(fields) < 2 {
			fmt.Print("usage: tone <hz>\r\n")
			return false
		}
		hz, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			fmt.Printf("bad frequency %q\r\n", fields[1])
			return false
		}
		if err := r.hda.PlayTone(hz, 200); err != nil {
			fmt.Printf("tone failed: %v\r\n", err)
		}
	case "present":
		if err := r.gpu.PresentFrame(); err != nil {
			fmt.Printf("present failed: %v\r\n", err)
		} else {
			fmt.Print("presented\r\n")
		}
	default:
		fmt.Printf("unknown command %q\r\n", fields[0])
	}
	return false
}
