package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/amcp-io/amcp/internal/skills"
)

// RegisterBuiltins installs the builtin commands. The skills manager
// may be nil, in which case /skills reports that skills are
// unavailable.
func RegisterBuiltins(m *Manager, skillManager *skills.Manager) {
	m.RegisterBuiltin(&Command{
		Name:        "help",
		Description: "Show available slash commands",
		Action: func(*Context) Result {
			return helpResult(m)
		},
	})
	m.RegisterBuiltin(&Command{
		Name:        "clear",
		Description: "Clear conversation history",
		Action: func(*Context) Result {
			return Result{Type: ResultHandled, Content: "clear"}
		},
	})
	m.RegisterBuiltin(&Command{
		Name:        "info",
		Description: "Show session information",
		Action: func(*Context) Result {
			return Result{Type: ResultHandled, Content: "info"}
		},
	})
	m.RegisterBuiltin(&Command{
		Name:        "skills",
		Description: "Manage agent skills: /skills [list|activate|deactivate|show]",
		Action: func(ctx *Context) Result {
			return skillsResult(skillManager, ctx.Args)
		},
	})
}

func helpResult(m *Manager) Result {
	all := m.All()
	if len(all) == 0 {
		return messageResult("No commands available.")
	}

	lines := []string{"**Available Slash Commands:**", ""}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	for _, cmd := range all {
		lines = append(lines, fmt.Sprintf("- `/%s`: %s", cmd.Name, cmd.Description))
	}
	return messageResult(strings.Join(lines, "\n"))
}

func skillsResult(sm *skills.Manager, args string) Result {
	if sm == nil {
		return errorResult("Skills are not available.")
	}

	sub, rest, _ := strings.Cut(strings.TrimSpace(args), " ")
	sub = strings.ToLower(sub)
	if sub == "" {
		sub = "list"
	}
	name := strings.TrimSpace(rest)

	switch sub {
	case "list":
		all := sm.AllSkills()
		if len(all) == 0 {
			return messageResult("No skills found.")
		}
		lines := []string{"**Available Skills:**", ""}
		for _, skill := range all {
			var flags []string
			if skill.Disabled {
				flags = append(flags, "disabled")
			}
			if sm.IsActive(skill.Name) {
				flags = append(flags, "active")
			}
			suffix := ""
			if len(flags) > 0 {
				suffix = " (" + strings.Join(flags, ", ") + ")"
			}
			lines = append(lines, fmt.Sprintf("- **%s**%s: %s", skill.Name, suffix, skill.Description))
		}
		return messageResult(strings.Join(lines, "\n"))

	case "activate":
		if name == "" {
			return errorResult("Please provide a skill name to activate.")
		}
		if err := sm.Activate(name); err != nil {
			return errorResult(fmt.Sprintf("Skill '%s' not found or disabled.", name))
		}
		return successResult(fmt.Sprintf("Skill '%s' activated.", name))

	case "deactivate":
		if name == "" {
			return errorResult("Please provide a skill name to deactivate.")
		}
		sm.Deactivate(name)
		return successResult(fmt.Sprintf("Skill '%s' deactivated.", name))

	case "show":
		if name == "" {
			return errorResult("Please provide a skill name to show.")
		}
		skill, ok := sm.Get(name)
		if !ok {
			return errorResult(fmt.Sprintf("Skill '%s' not found.", name))
		}
		content := fmt.Sprintf("**Skill: %s**\n\n*%s*\n\n---\n\n%s",
			skill.Name, skill.Description, skill.Body)
		return messageResult(content)

	default:
		return messageResult("Usage: /skills [list|activate <name>|deactivate <name>|show <name>]")
	}
}
