package rtc

import (
	"fmt"
	"strings"
)

// CommandKind is what the glasses UI asked for over the control channel.
type CommandKind string

const (
	CommandSpeaker CommandKind = "speaker"
	CommandPause   CommandKind = "pause"
	CommandStop    CommandKind = "stop"
)

// Command is one parsed control message. Speaker is set for CommandSpeaker.
type Command struct {
	Kind    CommandKind
	Speaker string
}

// ParseCommand parses "speaker:<name>", "pause" or "stop". The speaker name
// is passed through unvalidated; the session rejects unknown speakers.
func ParseCommand(msg string) (Command, error) {
	msg = strings.TrimSpace(msg)
	if name, ok := strings.CutPrefix(msg, "speaker:"); ok {
		name = strings.TrimSpace(name)
		if name == "" {
			return Command{}, fmt.Errorf("empty speaker in %q", msg)
		}
		return Command{Kind: CommandSpeaker, Speaker: name}, nil
	}
	switch CommandKind(msg) {
	case CommandPause, CommandStop:
		return Command{Kind: CommandKind(msg)}, nil
	}
	return Command{}, fmt.Errorf("unknown control command %q", msg)
}
