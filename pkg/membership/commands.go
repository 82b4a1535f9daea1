package membership

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/salahayoub/vpncluster/api"
)

// Error types for membership commands
var (
	// ErrMalformedCommand indicates a log payload that is not a command envelope.
	ErrMalformedCommand = errors.New("malformed membership command")
	// ErrUnknownCommand indicates a command type this node does not understand.
	ErrUnknownCommand = errors.New("unknown membership command")
	// ErrUnknownNode indicates a command naming a node that is not in the table.
	ErrUnknownNode = errors.New("unknown node")
)

// CommandType names a replicated membership operation.
type CommandType string

const (
	CmdNodeJoined   CommandType = "node-joined"
	CmdNodeLeft     CommandType = "node-left"
	CmdNodeRemoved  CommandType = "node-removed"
	CmdConfigSet    CommandType = "config-set"
	CmdConfigDelete CommandType = "config-delete"
)

// Command is the JSON envelope carried by log entries. ID is a ULID assigned
// by the submitter; a command whose ID was already applied is skipped, so a
// retried submit never applies twice.
type Command struct {
	ID        string        `json:"id"`
	Type      CommandType   `json:"type"`
	Timestamp time.Time     `json:"ts"`
	Node      *api.NodeInfo `json:"node,omitempty"`
	NodeID    string        `json:"node_id,omitempty"`
	Key       string        `json:"key,omitempty"`
	Value     string        `json:"value,omitempty"`
}

func newCommand(typ CommandType) *Command {
	return &Command{ID: ulid.Make().String(), Type: typ, Timestamp: time.Now().UTC()}
}

// NodeJoined returns the command that adds or revives node.
func NodeJoined(node api.NodeInfo) *Command {
	cmd := newCommand(CmdNodeJoined)
	n := node.Clone()
	cmd.Node = &n
	return cmd
}

// NodeLeft returns the command that marks a node as departed.
func NodeLeft(nodeID string) *Command {
	cmd := newCommand(CmdNodeLeft)
	cmd.NodeID = nodeID
	return cmd
}

// NodeRemoved returns the command that deletes a node from the table.
func NodeRemoved(nodeID string) *Command {
	cmd := newCommand(CmdNodeRemoved)
	cmd.NodeID = nodeID
	return cmd
}

// ConfigSet returns the command that sets a shared configuration key.
func ConfigSet(key, value string) *Command {
	cmd := newCommand(CmdConfigSet)
	cmd.Key, cmd.Value = key, value
	return cmd
}

// ConfigDelete returns the command that deletes a shared configuration key.
func ConfigDelete(key string) *Command {
	cmd := newCommand(CmdConfigDelete)
	cmd.Key = key
	return cmd
}

// Encode serializes the command for a log entry.
func (c *Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// IsNodeCommand reports whether the command changes the node set. Those
// ride on configuration entries and are never submitted as plain commands.
func (c *Command) IsNodeCommand() bool {
	switch c.Type {
	case CmdNodeJoined, CmdNodeLeft, CmdNodeRemoved:
		return true
	}
	return false
}

// DecodeCommand parses a log payload produced by Encode.
func DecodeCommand(data []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if cmd.ID == "" || cmd.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedCommand)
	}
	return &cmd, nil
}

// Validate checks the fields each command type needs.
func (c *Command) Validate() error {
	switch c.Type {
	case CmdNodeJoined:
		if c.Node == nil || c.Node.NodeID == "" {
			return fmt.Errorf("%w: %s without a node", ErrMalformedCommand, c.Type)
		}
	case CmdNodeLeft, CmdNodeRemoved:
		if c.NodeID == "" {
			return fmt.Errorf("%w: %s without a node id", ErrMalformedCommand, c.Type)
		}
	case CmdConfigSet, CmdConfigDelete:
		if c.Key == "" {
			return fmt.Errorf("%w: %s without a key", ErrMalformedCommand, c.Type)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, c.Type)
	}
	return nil
}
