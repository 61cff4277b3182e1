// Command shiftbot-keys drives a shiftbot from the keyboard. Each key press
// is sent to the robot as it happens; the robot keeps the last direction
// until the next key. With -move it sends a single timed move instead.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/term"

	"github.com/shiftbot/shiftbot/internal/logic/gateway"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:50051", "robot address (host:port)")
	move := flag.String("move", "", "send one timed move instead of streaming keys: forward, left, right or backward")
	duration := flag.Float64("duration", 1, "duration of -move in seconds")
	flag.Parse()

	if *move != "" {
		if err := sendMove(*addr, gateway.MoveRequest{Direction: *move, Duration: *duration}); err != nil {
			log.Fatalf("move failed: %v", err)
		}
		log.Printf("Move %s for %gs queued.", *move, *duration)
		return
	}

	if err := streamKeyboard(*addr); err != nil {
		log.Fatalf("key stream failed: %v", err)
	}
}

func sendMove(addr string, req gateway.MoveRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post("http://"+addr+"/move", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}

func streamKeyboard(addr string) error {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/keys"}
	log.Printf("Connecting to server at %s", u.String())
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		old, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw terminal: %w", err)
		}
		defer term.Restore(fd, old)
	}

	fmt.Print("\r\n--- Start typing to stream (press 'q' to finish) ---\r\n")
	_, ferr := feedKeys(os.Stdin, os.Stdout, func(key string) error {
		return conn.WriteMessage(websocket.TextMessage, []byte(key))
	})
	fmt.Print("\r\nClient finished sending stream.\r\n")

	if err := closeAndWait(conn, 5*time.Second); err != nil {
		return errors.Join(ferr, err)
	}
	if ferr != nil {
		return ferr
	}
	log.Printf("Stream complete. Server acknowledged receipt.")
	return nil
}

// feedKeys reads in one byte at a time and sends every key until 'q',
// Ctrl-C, Ctrl-D or the end of in. It returns the number of keys sent.
func feedKeys(in io.Reader, out io.Writer, send func(key string) error) (int, error) {
	buf := make([]byte, 1)
	sent := 0
	for {
		n, err := in.Read(buf)
		if n == 1 {
			ch := buf[0]
			if ch == 'q' || ch == 0x03 || ch == 0x04 {
				return sent, nil
			}
			key := string(buf[:1])
			if err := send(key); err != nil {
				return sent, fmt.Errorf("send %s: %w", display(ch), err)
			}
			sent++
			// Clear the line and show a single status line.
			fmt.Fprintf(out, "\r\x1b[2KSent: %s\r\n", display(ch))
		}
		if errors.Is(err, io.EOF) {
			return sent, nil
		}
		if err != nil {
			return sent, err
		}
	}
}

func display(ch byte) string {
	if ch >= 0x20 && ch < 0x7f {
		return string(ch)
	}
	return strconv.QuoteRune(rune(ch))
}

// closeAndWait starts the closing handshake and waits for the server's close
// frame, which it sends once the robot is stopped.
func closeAndWait(conn *websocket.Conn, timeout time.Duration) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		return fmt.Errorf("send close: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return nil
		}
		return fmt.Errorf("waiting for server: %w", err)
	}
}
