package provisioning

import (
	"bytes"
	"fmt"
	"text/template"
)

const cloudConfigTemplate = `#cloud-config
ssh_pwauth: no
users:
  - name: {{.Username}}
    sudo: ALL=(ALL) NOPASSWD:ALL
    shell: /bin/bash
    ssh_authorized_keys:
{{- range .PublicKeys}}
      - "{{.}}"
{{- end}}
`

// CloudConfigData represents the data for cloud-config template
type CloudConfigData struct {
	Username   string
	PublicKeys []string
}

// GenerateCloudConfig generates cloud-config user-data from template
func GenerateCloudConfig(username string, publicKeys []string) (string, error) {
	if username == "" {
		return "", fmt.Errorf("cloud-config username is required")
	}

	tmpl, err := template.New("cloud-config").Parse(cloudConfigTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse cloud-config template: %w", err)
	}

	data := CloudConfigData{
		Username:   username,
		PublicKeys: publicKeys,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute cloud-config template: %w", err)
	}

	return buf.String(), nil
}
