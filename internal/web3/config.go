package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chain.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes one chain and the ordered set of RPC endpoints
// that may be used to reach it. Endpoint order is significant: dispatch
// failover walks the list top to bottom.
type ChainDefinition struct {
	Type        string               `yaml:"type"`
	ChainID     int64                `yaml:"chain_id"`
	RPCURL      string               `yaml:"rpc_url"`
	Endpoints   []EndpointDefinition `yaml:"endpoints"`
	Description string               `yaml:"description"`
}

// EndpointDefinition names a single RPC access point.
type EndpointDefinition struct {
	Name   string `yaml:"name"`
	RPCURL string `yaml:"rpc_url"`
}

// OrderedEndpoints returns the configured endpoints in failover order. The
// legacy single rpc_url is treated as the first endpoint when present and not
// already listed.
func (d ChainDefinition) OrderedEndpoints() []EndpointDefinition {
	out := make([]EndpointDefinition, 0, len(d.Endpoints)+1)
	seen := make(map[string]struct{}, len(d.Endpoints)+1)
	add := func(def EndpointDefinition) {
		url := strings.TrimSpace(def.RPCURL)
		if url == "" {
			return
		}
		if _, ok := seen[url]; ok {
			return
		}
		seen[url] = struct{}{}
		def.RPCURL = url
		if strings.TrimSpace(def.Name) == "" {
			def.Name = fmt.Sprintf("endpoint-%d", len(out)+1)
		}
		out = append(out, def)
	}
	add(EndpointDefinition{RPCURL: d.RPCURL})
	for _, def := range d.Endpoints {
		add(def)
	}
	return out
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}
