package main

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
)

func main() {
	host := pflag.String("host", "localhost", "server host")
	port := pflag.String("port", "8001", "websocket port")
	noColor := pflag.Bool("no-color", false, "disable colored output")
	pflag.Parse()
	color.NoColor = color.NoColor || *noColor

	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(*host, *port), Path: "/"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		errText.Fprintf(os.Stderr, "connect %s: %v\n", u.String(), err)
		os.Exit(1)
	}
	defer conn.Close()
	dim.Fprintf(os.Stderr, "Connected to %s, type help for commands\n", u.String())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					errText.Fprintf(os.Stderr, "connection closed: %v\n", err)
				}
				return
			}
			render(os.Stdout, data)
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

loop:
	for {
		select {
		case <-done:
			return
		case <-interrupt:
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			req, err := parseCommand(line)
			switch {
			case errors.Is(err, errQuit):
				break loop
			case errors.Is(err, errHelp):
				fmt.Println(usage)
				continue
			case err != nil:
				errText.Fprintln(os.Stderr, err)
				continue
			case req == nil:
				continue
			}
			if err := conn.WriteJSON(req); err != nil {
				errText.Fprintf(os.Stderr, "send: %v\n", err)
				break loop
			}
		}
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
