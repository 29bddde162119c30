package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var errUnknownInput = errors.New("unknown command, use /cmd, /json or /quit")

// sender is the part of network.Client used by the input loop
type sender interface {
	SendText(text string) error
	SendCommand(verb, arguments string) error
	SendJSON(doc map[string]any) error
}

// handleLine sends one line of user input. It reports whether the user
// asked to quit.
func handleLine(s sender, line string) (bool, error) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return false, nil
	}

	switch {
	case strings.HasPrefix(line, "//"):
		return false, s.SendText(line[1:])
	case !strings.HasPrefix(line, "/"):
		return false, s.SendText(line)
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "quit", "exit":
		return true, nil
	case "cmd":
		verb, args, _ := strings.Cut(rest, " ")
		if verb == "" {
			return false, errors.New("usage: /cmd <verb> [arguments]")
		}
		return false, s.SendCommand(verb, strings.TrimSpace(args))
	case "json":
		doc, err := parseDocument(rest)
		if err != nil {
			return false, err
		}
		return false, s.SendJSON(doc)
	default:
		return false, fmt.Errorf("%w: /%s", errUnknownInput, name)
	}
}

func parseDocument(s string) (map[string]any, error) {
	if s == "" {
		return nil, errors.New("usage: /json {\"key\": \"value\"}")
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	if dec.More() {
		return nil, errors.New("invalid JSON object: trailing data")
	}
	return doc, nil
}
