package interactions

import (
	"context"
	"fmt"

	"session-sync/internal/discord"
)

// Handler executes one command invocation. Handlers own their side effects;
// the router only dispatches and times them.
type Handler func(ctx context.Context, ic *Interaction) (*Response, error)

type Parameter struct {
	Name        string
	Description string
	Type        int // discord.OptionString / OptionInteger / OptionBoolean
	Required    bool
}

// CommandDefinition is one entry in the static command catalogue. The
// catalogue is the single source of truth for both runtime validation and
// the out-of-band registration call.
type CommandDefinition struct {
	Name        string
	Description string
	Parameters  []Parameter
	Handler     Handler
}

// ValidateOptions checks the raw options of an invocation against the
// declared parameter schema: required parameters present, no unknown
// names, matching option types.
func (d *CommandDefinition) ValidateOptions(opts []CommandOption) error {
	byName := make(map[string]Parameter, len(d.Parameters))
	for _, p := range d.Parameters {
		byName[p.Name] = p
	}

	seen := make(map[string]bool, len(opts))
	for _, o := range opts {
		p, ok := byName[o.Name]
		if !ok {
			return fmt.Errorf("unknown option %q", o.Name)
		}
		if o.Type != 0 && o.Type != p.Type {
			return fmt.Errorf("option %q has type %d, want %d", o.Name, o.Type, p.Type)
		}
		seen[o.Name] = true
	}

	for _, p := range d.Parameters {
		if p.Required && !seen[p.Name] {
			return fmt.Errorf("missing required option %q", p.Name)
		}
	}
	return nil
}

// Registry is the declarative command catalogue. Registration happens once
// at process initialization; afterwards the registry is read-only, so the
// request path needs no locking.
type Registry struct {
	commands map[string]*CommandDefinition
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]*CommandDefinition)}
}

// Register adds a command. A duplicate name is a configuration mistake and
// must fail the process at startup, not surface at runtime.
func (r *Registry) Register(def CommandDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("command with empty name")
	}
	if def.Handler == nil {
		return fmt.Errorf("command %q has no handler", def.Name)
	}
	if _, exists := r.commands[def.Name]; exists {
		return fmt.Errorf("duplicate command %q", def.Name)
	}
	d := def
	r.commands[def.Name] = &d
	r.order = append(r.order, def.Name)
	return nil
}

func (r *Registry) Lookup(name string) (*CommandDefinition, bool) {
	d, ok := r.commands[name]
	return d, ok
}

// All returns the catalogue in registration order.
func (r *Registry) All() []CommandDefinition {
	out := make([]CommandDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.commands[name])
	}
	return out
}

// ApplicationCommands renders the catalogue in the platform's registration
// wire shape, for the bulk overwrite call.
func (r *Registry) ApplicationCommands() []discord.ApplicationCommand {
	defs := r.All()
	out := make([]discord.ApplicationCommand, 0, len(defs))
	for _, d := range defs {
		cmd := discord.ApplicationCommand{
			Name:        d.Name,
			Description: d.Description,
		}
		for _, p := range d.Parameters {
			cmd.Options = append(cmd.Options, discord.ApplicationCommandOption{
				Type:        p.Type,
				Name:        p.Name,
				Description: p.Description,
				Required:    p.Required,
			})
		}
		out = append(out, cmd)
	}
	return out
}
