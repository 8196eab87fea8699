package main

import (
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/basket/studiobridge/internal/operations"
)

type toolsCommand struct {
	ReadOnly bool `long:"read-only" description:"list only the read-only profile"`
	JSON     bool `long:"json" description:"print name, category and endpoint as JSON"`

	app *app
}

type toolEntry struct {
	Name     string              `json:"name"`
	Category operations.Category `json:"category"`
	Endpoint string              `json:"endpoint"`
}

func (c *toolsCommand) Execute(_ []string) error {
	cfg, err := c.app.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	catalog, err := operations.LoadCatalog()
	if err != nil {
		return err
	}
	ops := catalog.Profile(cfg.ReadOnly || c.ReadOnly)

	entries := make([]toolEntry, 0, len(ops))
	for _, op := range ops {
		entries = append(entries, toolEntry{Name: op.Name, Category: op.Category, Endpoint: op.Endpoint})
	}

	if c.JSON {
		enc := json.NewEncoder(c.app.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	fmt.Fprintln(c.app.stdout, renderTools(entries))
	return nil
}

func renderTools(entries []toolEntry) string {
	header := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	write := lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers("OPERATION", "CATEGORY", "ENDPOINT").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			if col == 1 && row >= 0 && row < len(entries) && entries[row].Category == operations.Write {
				return write
			}
			return lipgloss.NewStyle()
		})
	for _, e := range entries {
		t.Row(e.Name, string(e.Category), e.Endpoint)
	}
	return fmt.Sprintf("%s\n%d operations", t.String(), len(entries))
}
