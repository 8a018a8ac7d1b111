package annotate

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

//go:embed prompts/*.txt
var defaultPrompts embed.FS

// PromptSet holds the system prompt for each annotation kind.
type PromptSet map[Kind]string

// LoadPrompts reads <kind>.txt for every kind from dir. An empty dir loads
// the prompts compiled into the binary.
func LoadPrompts(dir string) (PromptSet, error) {
	var fsys fs.FS
	if dir == "" {
		sub, err := fs.Sub(defaultPrompts, "prompts")
		if err != nil {
			return nil, err
		}
		fsys = sub
	} else {
		fsys = os.DirFS(dir)
	}

	set := make(PromptSet, len(Kinds))
	for _, kind := range Kinds {
		data, err := fs.ReadFile(fsys, string(kind)+".txt")
		if err != nil {
			return nil, fmt.Errorf("failed to read prompt %s: %w", kind, err)
		}
		prompt := strings.TrimSpace(string(data))
		if prompt == "" {
			return nil, fmt.Errorf("prompt %s is empty", kind)
		}
		set[kind] = prompt
	}
	return set, nil
}

// Prompt returns the prompt for kind, or an error if the set has none.
func (p PromptSet) Prompt(kind Kind) (string, error) {
	prompt, ok := p[kind]
	if !ok {
		return "", fmt.Errorf("no prompt loaded for %s", kind)
	}
	return prompt, nil
}
