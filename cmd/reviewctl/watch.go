package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

func newWatchCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [process_id]",
		Short: "Open a live session and print run messages",
		Long: "Opens a WebSocket session and prints every message delivered to it.\n" +
			"While watching, type /approve <plan>, /reject <plan>, /answer <request> <text>,\n" +
			"/start <task>, /cancel <run> or /quit.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			processID := "cli_" + uuid.New().String()[:8]
			if len(args) == 1 {
				processID = args[0]
			}
			return watch(client, processID)
		},
	}
	return cmd
}

func watch(client *apiClient, processID string) error {
	addr, err := client.socketURL(processID)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	fmt.Printf("Watching as %s (process %s)\n", client.userID, processID)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					errorColor.Fprintf(os.Stderr, "Read error: %v\n", err)
				}
				return
			}
			printFrame(os.Stdout, data)
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	for {
		select {
		case <-interrupt:
			fmt.Println("\nInterrupted")
			return closeSocket(conn)
		case <-closed:
			return nil
		case line, ok := <-lines:
			if !ok {
				<-closed
				return nil
			}
			if line == "" {
				continue
			}
			if line == "/quit" {
				return closeSocket(conn)
			}
			if err := runWatchCommand(client, conn, processID, line); err != nil {
				errorColor.Fprintf(os.Stderr, "%v\n", err)
			}
		}
	}
}

// runWatchCommand handles one typed command. Decisions go over the socket so
// their results arrive as command_result frames.
func runWatchCommand(client *apiClient, conn *websocket.Conn, processID, line string) error {
	cmd, err := parseWatchCommand(line)
	if err != nil {
		return err
	}
	if cmd.start != "" {
		resp, err := client.StartRun(context.Background(), cmd.start, processID)
		if err != nil {
			return err
		}
		fmt.Printf("Started run %s\n", resp.RunID)
		return nil
	}
	return conn.WriteJSON(cmd.frame)
}

type watchCommand struct {
	frame map[string]interface{}
	start string
}

func parseWatchCommand(line string) (watchCommand, error) {
	fields := strings.Fields(line)
	id := "cmd_" + uuid.New().String()[:8]

	switch fields[0] {
	case "/approve", "/reject":
		if len(fields) != 2 {
			return watchCommand{}, fmt.Errorf("usage: %s <plan_id>", fields[0])
		}
		return watchCommand{frame: map[string]interface{}{
			"type": "plan_approval", "id": id, "plan_id": fields[1], "approved": fields[0] == "/approve",
		}}, nil
	case "/answer":
		if len(fields) < 3 {
			return watchCommand{}, fmt.Errorf("usage: /answer <request_id> <text>")
		}
		answer := strings.Join(fields[2:], " ")
		return watchCommand{frame: map[string]interface{}{
			"type": "user_clarification", "id": id, "request_id": fields[1], "answer": answer,
		}}, nil
	case "/cancel":
		if len(fields) != 2 {
			return watchCommand{}, fmt.Errorf("usage: /cancel <run_id>")
		}
		return watchCommand{frame: map[string]interface{}{
			"type": "cancel_run", "id": id, "run_id": fields[1],
		}}, nil
	case "/start":
		if len(fields) < 2 {
			return watchCommand{}, fmt.Errorf("usage: /start <task>")
		}
		return watchCommand{start: strings.TrimSpace(strings.TrimPrefix(line, "/start"))}, nil
	}
	return watchCommand{}, fmt.Errorf("unknown command %q", fields[0])
}

func closeSocket(conn *websocket.Conn) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return conn.WriteMessage(websocket.CloseMessage, msg)
}
