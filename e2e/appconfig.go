package e2e

import (
	"bytes"
	"fmt"
	"os"
	"text/template"
)

// appConfigOptions is used to fill in a config template with details unique to
// a specific test environment. Keep this as small as possible so the input
// remains as close to a "real" YAML document as we can make it. Also using
// YAML/JSON-compatible types only here.
//
// Fields are exported so we can use them in templates.
type appConfigOptions struct {
	Host       string
	Port       int
	Security   string
	CAFile     string
	To         []string
	StorageDir string
}

// createAppConfig writes a configuration YAML doc to the given path. The
// password is left out since it belongs in the .env file.
func createAppConfig(path string, opts appConfigOptions) error {
	configTemplate := `---
from: My Newsletter <mynewsletter@example.com>
to:
{{- range .To }}
  - {{ . }}
{{- end }}
host: {{ .Host }}
port: {{ .Port }}
security: {{ .Security }}
username: myuser123
caFile: {{ .CAFile }}
timeout: 10s
maxSize: 1MiB
{{- if .StorageDir }}
journal:
  storageDir: {{ .StorageDir }}
  keyTTL: 1h
{{- end }}
`

	tmpl, err := template.New("conf").Parse(configTemplate)

	// This means the config template string was written incorrectly. Not
	// an issue with the application itself.
	if err != nil {
		return fmt.Errorf("couldn't parse the application config template: %v", err)
	}

	var config bytes.Buffer

	err = tmpl.Execute(&config, opts)

	// This is an issue with the test environment, not the application
	if err != nil {
		return fmt.Errorf("couldn't populate the application config template: %v", err)
	}

	if err := os.WriteFile(path, config.Bytes(), 0600); err != nil {
		return fmt.Errorf("couldn't write the config file: %v", err)
	}

	return nil
}

// createEnvFile writes a .env file with the relay password, the way a user
// would keep it out of the YAML file.
func createEnvFile(path, password string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("MAILER_PASSWORD=%q\n", password)), 0600)
}
