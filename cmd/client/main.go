package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"

	"github.com/Tyrowin/gochat-relay/internal/client"
	"github.com/Tyrowin/gochat-relay/internal/protocol"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	serverURL := flag.String("server", "http://localhost:8080", "Relay base URL")
	username := flag.String("user", "", "Username to log in with")
	password := flag.String("password", "", "Password (or set GOCHAT_PASSWORD)")
	token := flag.String("token", "", "Existing session token; skips login")
	origin := flag.String("origin", "http://localhost:8080", "Origin header sent on the WebSocket handshake")
	register := flag.Bool("register", false, "Create the account before logging in")
	logLevel := flag.String("log-level", "WARN", "Log level")
	flag.Parse()

	_ = godotenv.Load()
	if *password == "" {
		*password = os.Getenv("GOCHAT_PASSWORD")
	}
	log := logs.GetLoggerFromString(*logLevel)

	base, err := url.Parse(*serverURL)
	if err != nil || base.Host == "" {
		return fmt.Errorf("invalid server URL %q", *serverURL)
	}

	if *token == "" {
		if *username == "" || *password == "" {
			flag.Usage()
			return errors.New("either -token or -user and -password are required")
		}
		if *register {
			if err := postCredentials(base, "/register", *username, *password, nil); err != nil {
				return err
			}
			color.Green.Println("Account created")
		}
		var login struct {
			Token string `json:"token"`
		}
		if err := postCredentials(base, "/login", *username, *password, &login); err != nil {
			return err
		}
		*token = login.Token
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Config{
		URL:    websocketURL(base),
		Token:  *token,
		Origin: *origin,
	}, log, printFrame)

	go readCommands(ctx, c, stop)

	err = c.Run(ctx)
	if errors.Is(err, client.ErrAuthRejected) {
		return fmt.Errorf("relay rejected the session token: %w", err)
	}
	return err
}

func websocketURL(base *url.URL) string {
	ws := *base
	ws.Scheme = "ws"
	if base.Scheme == "https" {
		ws.Scheme = "wss"
	}
	ws.Path = strings.TrimSuffix(base.Path, "/") + "/ws"
	return ws.String()
}

func postCredentials(base *url.URL, path, username, password string, out any) error {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Post(base.JoinPath(path).String(), "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var failure struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&failure)
		return fmt.Errorf("%s failed: %s", path, failure.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readCommands(ctx context.Context, c *client.Client, stop context.CancelFunc) {
	fmt.Println(helpText)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		cmd, err := parseCommand(scanner.Text())
		if err != nil {
			color.Yellow.Println(err)
			continue
		}

		switch cmd.kind {
		case commandSend:
			err = c.Send(cmd.receiver, cmd.text)
		case commandOnline:
			err = c.RequestOnlineUsers()
		case commandHelp:
			fmt.Println(helpText)
		case commandQuit:
			c.Logout()
			stop()
			return
		}
		if err != nil {
			color.Red.Println("Not sent:", err)
		}
	}
	c.Logout()
	stop()
}

func printFrame(frame protocol.ServerFrame) {
	switch frame.Type {
	case protocol.TypeAuth:
		if frame.Status == protocol.StatusSuccess {
			color.Green.Printf("Signed in as %s\n", frame.Username)
		} else {
			color.Red.Printf("Authentication failed: %s\n", frame.Message)
		}
	case protocol.TypeMessage:
		stamp := color.Gray.Sprint(frame.Timestamp.Local().Format(time.Kitchen))
		fmt.Printf("%s %s -> %s: %s\n", stamp, color.Cyan.Sprint(frame.Sender), frame.Receiver, frame.Text)
	case protocol.TypeOnlineUsers:
		if len(frame.Users) == 0 {
			color.Gray.Println("Nobody else is online")
			return
		}
		color.Gray.Printf("Online: %s\n", strings.Join(frame.Users, ", "))
	case protocol.TypeError:
		color.Red.Println(frame.Message)
	}
}
