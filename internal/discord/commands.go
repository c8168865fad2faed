package discord

import (
	"context"
	"fmt"
	"net/http"
)

// ApplicationCommand is the wire shape for command registration.
type ApplicationCommand struct {
	Name        string                     `json:"name"`
	Description string                     `json:"description"`
	Options     []ApplicationCommandOption `json:"options,omitempty"`
}

// Option types Discord defines; only the ones the catalogue uses.
const (
	OptionString  = 3
	OptionInteger = 4
	OptionBoolean = 5
)

type ApplicationCommandOption struct {
	Type        int    `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required,omitempty"`
}

// BulkOverwriteCommands replaces the application's global command catalogue.
// PUT semantics: replaying the same catalogue is a no-op on the platform side.
func (c *RESTClient) BulkOverwriteCommands(ctx context.Context, appID string, cmds []ApplicationCommand) error {
	path := fmt.Sprintf("/applications/%s/commands", appID)
	if err := c.doJSON(ctx, http.MethodPut, path, cmds, nil); err != nil {
		return fmt.Errorf("bulk overwrite %d commands: %w", len(cmds), err)
	}
	return nil
}
