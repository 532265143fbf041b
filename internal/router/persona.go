package router

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode"
)

// PersonaFile is the persona file name under the state dir.
const PersonaFile = "persona.md"

const defaultPersona = `You are Famulus, a personal daemon living on this machine.
You are direct, resourceful, and honest about what you do not know.
You act only through your registered tools and never claim to have run one you did not.`

// Persona is the parsed persona file. Sections headed "## role:<ref>"
// define auxiliary roles selectable per turn with a leading @<ref> token.
type Persona struct {
	Base  string
	Roles map[string]string
}

// LoadPersona reads and parses the persona file, seeding the default
// content on first run. The file is user-editable markdown.
func LoadPersona(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if werr := os.WriteFile(path, []byte(defaultPersona+"\n"), 0o644); werr != nil {
			return nil, fmt.Errorf("seed persona file: %w", werr)
		}
		return parsePersona(defaultPersona), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read persona file: %w", err)
	}
	return parsePersona(string(data)), nil
}

const roleHeader = "## role:"

func parsePersona(text string) *Persona {
	p := &Persona{Roles: make(map[string]string)}

	current := ""
	var section []string
	flush := func() {
		body := strings.TrimSpace(strings.Join(section, "\n"))
		if current == "" {
			p.Base = body
		} else {
			p.Roles[current] = body
		}
		section = section[:0]
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, roleHeader) {
			if ref, ok := ParseRoleRef(strings.TrimPrefix(trimmed, roleHeader)); ok {
				flush()
				current = ref
				continue
			}
			// Malformed role header stays as ordinary text.
		}
		section = append(section, line)
	}
	flush()

	if p.Base == "" {
		p.Base = defaultPersona
	}
	return p
}

// Text returns the persona for ref, falling back to the base persona
// when ref is empty or unknown.
func (p *Persona) Text(ref string) string {
	if ref != "" {
		if body, ok := p.Roles[ref]; ok && body != "" {
			return body
		}
	}
	return p.Base
}

var roleRefPattern = regexp.MustCompile(`^[a-z]\d+$`)

// ParseRoleRef normalises a role mention ("@e5", "ref=e5", padded or
// upper-cased variants) and reports whether it is well formed: one
// lowercase letter followed by digits.
func ParseRoleRef(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "ref=")
	s = strings.TrimPrefix(s, "@")
	s = strings.TrimSpace(s)
	if !roleRefPattern.MatchString(s) {
		return "", false
	}
	return s, true
}

// ExtractRoleRef splits a leading @<ref> token off chat content. When the
// first token is not a valid role ref the content passes through intact.
func ExtractRoleRef(content string) (ref, rest string) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "@") {
		return "", content
	}
	token := trimmed
	if i := strings.IndexFunc(trimmed, unicode.IsSpace); i >= 0 {
		token = trimmed[:i]
	}
	ref, ok := ParseRoleRef(token)
	if !ok {
		return "", content
	}
	return ref, strings.TrimSpace(trimmed[len(token):])
}
