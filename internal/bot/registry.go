// Package bot is the chat boundary: a command registry with capability
// tags, a dispatcher that maps domain errors to replies, and the Discord
// adapter.
package bot

import (
	"context"
	"sort"
	"strings"

	"texchange/internal/notify"
)

type Capability int

const (
	Everyone Capability = iota
	AdminOnly
)

type Category string

const (
	CategoryGeneral Category = "general"
	CategoryP2P     Category = "p2p"
	CategoryAdmin   Category = "admin"
)

// Categories lists categories in help order.
var Categories = []Category{CategoryGeneral, CategoryP2P, CategoryAdmin}

// Request is one parsed command invocation.
type Request struct {
	MarketID  string
	ChannelID string
	UserID    string
	Admin     bool
	Command   string
	Args      []string
}

// Arg returns the i-th argument or "".
func (r Request) Arg(i int) string {
	if i < 0 || i >= len(r.Args) {
		return ""
	}
	return r.Args[i]
}

// Rest joins the arguments from i on.
func (r Request) Rest(i int) string {
	if i >= len(r.Args) {
		return ""
	}
	return strings.Join(r.Args[i:], " ")
}

// Reply is what a command sends back. Private replies go to the caller's
// direct messages.
type Reply struct {
	Title    string
	Text     string
	Fields   []notify.Field
	Private  bool
	Mentions []string
}

type HandlerFunc func(ctx context.Context, req Request) (Reply, error)

type Command struct {
	Name     string
	Usage    string
	Help     string
	Category Category
	Requires Capability
	Handler  HandlerFunc
}

type Registry struct {
	commands map[string]Command
}

func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

// Register adds cmd, replacing any command with the same name.
func (r *Registry) Register(cmd Command) {
	if cmd.Category == "" {
		cmd.Category = CategoryGeneral
	}
	r.commands[strings.ToLower(cmd.Name)] = cmd
}

func (r *Registry) Lookup(name string) (Command, bool) {
	cmd, ok := r.commands[strings.ToLower(name)]
	return cmd, ok
}

// Visible lists the commands of category the caller may run, by name.
func (r *Registry) Visible(category Category, admin bool) []Command {
	var out []Command
	for _, cmd := range r.commands {
		if cmd.Category != category {
			continue
		}
		if cmd.Requires == AdminOnly && !admin {
			continue
		}
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// mentionID extracts a user id from a "<@id>" or "<@!id>" token.
func mentionID(arg string) (string, bool) {
	if !strings.HasPrefix(arg, "<@") || !strings.HasSuffix(arg, ">") {
		return "", false
	}
	id := strings.TrimPrefix(strings.TrimSuffix(strings.TrimPrefix(arg, "<@"), ">"), "!")
	if id == "" {
		return "", false
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return "", false
		}
	}
	return id, true
}
