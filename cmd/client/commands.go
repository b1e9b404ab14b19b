package main

import (
	"errors"
	"strings"
)

type commandKind int

const (
	commandSend commandKind = iota
	commandOnline
	commandQuit
	commandHelp
)

type command struct {
	kind     commandKind
	receiver string
	text     string
}

var errUnknownCommand = errors.New("unknown command; type /help")

// parseCommand reads one line of terminal input: "@bob hello" sends,
// "/online", "/help" and "/quit" are local commands.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "/online":
		return command{kind: commandOnline}, nil
	case line == "/quit":
		return command{kind: commandQuit}, nil
	case line == "/help":
		return command{kind: commandHelp}, nil
	case strings.HasPrefix(line, "@"):
		receiver, text, found := strings.Cut(line[1:], " ")
		text = strings.TrimSpace(text)
		if !found || receiver == "" || text == "" {
			return command{}, errors.New("usage: @user message")
		}
		return command{kind: commandSend, receiver: receiver, text: text}, nil
	default:
		return command{}, errUnknownCommand
	}
}

const helpText = `Commands:
  @user message   send a direct message
  /online         list online users
  /quit           log out and exit`
