package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	"github.com/room4-2/voicelive/messages"
)

func main() {
	// Flags
	serverURL := flag.String("server", "ws://localhost:8080/ws", "Control endpoint URL")
	flag.Parse()

	log.Printf("Connecting to %s...", *serverURL)

	// Connect to server
	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	log.Println("Connected")

	// Handle interrupt
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})
	closed := make(chan struct{}, 1)

	// Read responses from server
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				log.Println("Read error:", err)
				return
			}

			var msg messages.Envelope
			if err := messages.Decode(data, &msg); err != nil {
				log.Println("Parse error:", err)
				continue
			}

			switch msg.Type {
			case messages.TypeState:
				var state messages.StatePayload
				if err := msg.DecodePayload(&state); err != nil {
					continue
				}
				printState(state)
				if state.State == "closed" {
					select {
					case closed <- struct{}{}:
					default:
					}
				}

			case messages.TypeStatus:
				var payload messages.StatusPayload
				if err := msg.DecodePayload(&payload); err == nil {
					log.Printf("Status: %s %s", payload.Status, payload.Message)
				}

			case messages.TypeError:
				var payload messages.ErrorPayload
				if err := msg.DecodePayload(&payload); err == nil {
					log.Printf("Error [%s]: %s", payload.Code, payload.Message)
				}
			}
		}
	}()

	if err := send(conn, messages.ActionOpen); err != nil {
		log.Fatalf("Failed to open session: %v", err)
	}
	log.Println("Session requested, speak into the microphone. Ctrl+C to stop.")

	select {
	case <-done:
		log.Println("Connection closed")
		return
	case <-interrupt:
		log.Println("Interrupted, closing session...")
	}

	if err := send(conn, messages.ActionClose); err != nil {
		log.Printf("Failed to close session: %v", err)
	}
	select {
	case <-closed:
	case <-done:
	case <-time.After(5 * time.Second):
		log.Println("Timeout waiting for session to close")
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func send(conn *websocket.Conn, action string) error {
	msg, err := messages.NewControlMessage(action)
	if err != nil {
		return err
	}
	data, err := messages.Encode(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func printState(state messages.StatePayload) {
	fmt.Printf("[%s]", state.State)
	if state.UserTranscript != "" {
		fmt.Printf(" you: %q", state.UserTranscript)
	}
	if state.ModelTranscript != "" {
		fmt.Printf(" Kisan AI: %q", state.ModelTranscript)
	}
	if state.LastError != "" {
		fmt.Printf(" error: %s", state.LastError)
	}
	fmt.Println()
}
