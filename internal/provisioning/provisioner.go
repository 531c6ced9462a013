// Package provisioning implements machine.Driver for each supported cloud.
package provisioning

import "vmforge/internal/machine"

// Backend types, as written in a machine's targetEnv
const (
	ProviderCloudSigma   = "cloudsigma"
	ProviderDigitalOcean = "digitalocean"
	ProviderAWS          = "aws"
	ProviderGCP          = "gcp"
	ProviderYandexCloud  = "yandex"
	ProviderHetzner      = "hetzner"
)

// Interface checks
var (
	_ machine.Starter = (*CloudSigmaDriver)(nil)
	_ machine.Starter = (*DODriver)(nil)
	_ machine.Starter = (*AWSDriver)(nil)
	_ machine.Starter = (*GCPDriver)(nil)
	_ machine.Starter = (*YcDriver)(nil)
	_ machine.Starter = (*HetznerDriver)(nil)
)

// memoryGB rounds a MiB amount up to whole GB
func memoryGB(ramMiB int) int64 {
	return (int64(ramMiB) + 1023) / 1024
}
