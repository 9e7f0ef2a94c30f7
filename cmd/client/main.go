// Command client is a terminal chat client. It logs in, prints the history
// and every new message, and sends each line read from stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pliu/messenger/internal/client"
	"github.com/pliu/messenger/internal/config"
	"github.com/pliu/messenger/internal/models"
)

var (
	register = flag.Bool("register", false, "register the user before logging in")
	username = flag.String("user", "", "username")
	password = flag.String("password", "", "password")
	server   = flag.String("server", "", "server base URL (defaults to CLIENT_SERVER_HOST and CLIENT_SERVER_PORT)")
)

func main() {
	flag.Parse()
	if *username == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "usage: client -user NAME -password PASS [-register]")
		os.Exit(2)
	}

	baseURL := *server
	if baseURL == "" {
		baseURL = config.LoadClient().BaseURL()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, client.New(baseURL)); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *client.Client) error {
	if *register {
		if err := c.Register(ctx, *username, *password); err != nil {
			return fmt.Errorf("register: %w", err)
		}
		fmt.Println("registered", *username)
	}

	if _, err := c.Login(ctx, *username, *password); err != nil {
		if errors.Is(err, client.ErrConnectionUnavailable) {
			return fmt.Errorf("server unreachable at login, try again later: %w", err)
		}
		return fmt.Errorf("login: %w", err)
	}

	c.OnHistory(func(history []models.ChatMessage) {
		for _, m := range history {
			printMessage(m)
		}
	})
	c.OnMessage(printMessage)
	c.OnError(func(message string) {
		fmt.Fprintln(os.Stderr, "server:", message)
	})

	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer c.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return errors.New("connection closed by server")
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := c.SendMessage(line); err != nil {
				fmt.Fprintln(os.Stderr, "send failed:", err)
			}
		}
	}
}

func printMessage(m models.ChatMessage) {
	fmt.Printf("[%s] %s: %s\n", m.Timestamp, m.Username, m.Message)
}
