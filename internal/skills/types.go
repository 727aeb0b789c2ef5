// Package skills discovers and manages reusable knowledge definitions
// that can be activated to extend the agent's system prompt.
//
// A skill is a directory containing a SKILL.md file: YAML front matter
// with a name and description, followed by a markdown body. Skills are
// discovered from the user config directory and from the project's
// .amcp/skills directory, with project skills taking precedence.
package skills

// Skill is a discovered skill definition.
type Skill struct {
	// Name is the unique skill identifier from the front matter.
	Name string `json:"name" yaml:"name"`

	// Description explains what the skill provides.
	Description string `json:"description,omitempty" yaml:"description"`

	// Location is the path of the SKILL.md file the skill was read from.
	Location string `json:"location"`

	// Body is the markdown content below the front matter.
	Body string `json:"-"`

	// Disabled marks skills excluded via configuration. Disabled skills
	// stay listed but cannot be activated.
	Disabled bool `json:"disabled,omitempty"`
}

// Snapshot is the wire representation used by listings: everything but
// the body, plus the activation state.
type Snapshot struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location"`
	Active      bool   `json:"active"`
	Disabled    bool   `json:"disabled,omitempty"`
}
