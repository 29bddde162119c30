package network

import "time"

// Message is a free-text message received from the peer
type Message struct {
	Conn *Conn
	Text string
	Time time.Time
}

// Command is a structured command received from the peer. UUID and
// Timestamp are the values stamped by the sender.
type Command struct {
	Conn      *Conn
	Verb      string
	Arguments string
	UUID      string
	Timestamp int64
	Time      time.Time
}

// JSONDocument is an arbitrary JSON object received from the peer
type JSONDocument struct {
	Conn     *Conn
	Document map[string]any
	Time     time.Time
}

// ConnectionEventKind distinguishes connection lifecycle events
type ConnectionEventKind uint8

const (
	// Connected is raised once a server-side connection completes its handshake
	Connected ConnectionEventKind = iota
	// Removed is raised once a server-side connection has been torn down
	Removed
)

func (k ConnectionEventKind) String() string {
	if k == Connected {
		return "CONNECTED"
	}
	return "REMOVED"
}

// ConnectionEvent reports a server-side connection lifecycle change
type ConnectionEvent struct {
	Conn *Conn
	Kind ConnectionEventKind
	Time time.Time
}

// MessageListener observes inbound text messages
type MessageListener interface {
	OnMessageReceived(*Message)
}

// CommandListener observes inbound commands
type CommandListener interface {
	OnCommandReceived(*Command)
}

// JSONListener observes inbound JSON documents
type JSONListener interface {
	OnJSONReceived(*JSONDocument)
}

// ConnectionListener observes server-side connection lifecycle events
type ConnectionListener interface {
	OnConnectionCreated(*ConnectionEvent)
	OnConnectionRemoved(*ConnectionEvent)
}

// Listeners are compared by identity when removed, so the function adapters
// below return pointers. Keep the returned value to remove it later.

type messageFunc struct{ fn func(*Message) }

func (f *messageFunc) OnMessageReceived(m *Message) { f.fn(m) }

// OnMessage adapts a function to a MessageListener
func OnMessage(fn func(*Message)) MessageListener {
	if fn == nil {
		return nil
	}
	return &messageFunc{fn}
}

type commandFunc struct{ fn func(*Command) }

func (f *commandFunc) OnCommandReceived(c *Command) { f.fn(c) }

// OnCommand adapts a function to a CommandListener
func OnCommand(fn func(*Command)) CommandListener {
	if fn == nil {
		return nil
	}
	return &commandFunc{fn}
}

type jsonFunc struct{ fn func(*JSONDocument) }

func (f *jsonFunc) OnJSONReceived(d *JSONDocument) { f.fn(d) }

// OnJSON adapts a function to a JSONListener
func OnJSON(fn func(*JSONDocument)) JSONListener {
	if fn == nil {
		return nil
	}
	return &jsonFunc{fn}
}

type connectionFuncs struct {
	created func(*ConnectionEvent)
	removed func(*ConnectionEvent)
}

func (f *connectionFuncs) OnConnectionCreated(e *ConnectionEvent) {
	if f.created != nil {
		f.created(e)
	}
}

func (f *connectionFuncs) OnConnectionRemoved(e *ConnectionEvent) {
	if f.removed != nil {
		f.removed(e)
	}
}

// OnConnection adapts a pair of functions to a ConnectionListener. Either may
// be nil, but not both.
func OnConnection(created, removed func(*ConnectionEvent)) ConnectionListener {
	if created == nil && removed == nil {
		return nil
	}
	return &connectionFuncs{created: created, removed: removed}
}
