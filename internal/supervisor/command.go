package supervisor

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/zgsm-ai/tunnel-starter/internal/tunnel"
)

// DefaultCommandTemplate keeps a port open without forwarding anything, which
// is enough for local development when no tunnel binary is configured.
const DefaultCommandTemplate = "tail -f /dev/null"

// RenderCommand expands the configured tunnel command template with the key
// and port of the tunnel being opened. Available fields: {{.App}},
// {{.Version}}, {{.LocalPort}}.
func RenderCommand(tmpl string, key tunnel.Key, port int) (string, error) {
	t := strings.TrimSpace(tmpl)
	if t == "" {
		t = DefaultCommandTemplate
	}
	parsed, err := template.New("command").Parse(t)
	if err != nil {
		return "", fmt.Errorf("%w: parse command template: %v", tunnel.ErrValidation, err)
	}
	var b strings.Builder
	data := struct {
		App       string
		Version   string
		LocalPort int
	}{App: key.App, Version: key.Version, LocalPort: port}
	if err := parsed.Execute(&b, data); err != nil {
		return "", fmt.Errorf("%w: render command template: %v", tunnel.ErrValidation, err)
	}
	return b.String(), nil
}
