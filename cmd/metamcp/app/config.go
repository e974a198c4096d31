package app

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/metamcp/pkg/errs"
	"github.com/stacklok/metamcp/pkg/metamcp"
	"github.com/stacklok/metamcp/pkg/metamcp/memstore"
)

// fileConfig is the on-disk shape `metamcp serve`/`validate` read: a
// handful of namespaces, each owning a set of upstream servers, seeded
// into the in-memory reference Store at startup. It intentionally omits
// anything the gateway core treats as read-only-but-externally-managed in
// a production deployment (tool rows, agent documents) — those arrive via
// RefreshTools and the Store port respectively, not this file.
type fileConfig struct {
	Namespaces []namespaceConfig `yaml:"namespaces"`
}

type namespaceConfig struct {
	Name                  string          `yaml:"name"`
	Description           string          `yaml:"description"`
	SmartDiscoveryEnabled bool            `yaml:"smartDiscoveryEnabled"`
	SmartDiscoveryPrompt  string          `yaml:"smartDiscoveryPrompt"`
	PinnedTools           []string        `yaml:"pinnedTools"`
	Servers               []serverConfig  `yaml:"servers"`
	Agent                 *agentConfig    `yaml:"agent"`
}

type serverConfig struct {
	Name    string            `yaml:"name"`
	Transport string          `yaml:"transport"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	URL     string            `yaml:"url"`
	BearerToken string        `yaml:"bearerToken"`
	Headers map[string]string `yaml:"headers"`
}

type agentConfig struct {
	Model        string   `yaml:"model"`
	SystemPrompt string   `yaml:"systemPrompt"`
	AllowedTools []string `yaml:"allowedTools"`
	DeniedTools  []string `yaml:"deniedTools"`
	MaxToolCalls int      `yaml:"maxToolCalls"`
	ExposeLimit  int      `yaml:"exposeLimit"`
}

// loadConfig reads and parses path. It does not validate; callers run
// validateConfig separately so `metamcp validate` can report syntax and
// semantic problems independently.
func loadConfig(path string) (*fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.NewValidationError("read configuration file", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errs.NewValidationError("parse configuration file", err)
	}
	return &cfg, nil
}

// validateConfig checks the semantic constraints the spec places on
// Namespace/McpServer (spec §3): unique namespace names, a known
// transport per server, and STDIO/SSE-appropriate fields present.
func validateConfig(cfg *fileConfig) error {
	if len(cfg.Namespaces) == 0 {
		return errs.NewValidationError("configuration defines no namespaces", nil)
	}
	seen := make(map[string]struct{}, len(cfg.Namespaces))
	for _, ns := range cfg.Namespaces {
		if ns.Name == "" {
			return errs.NewValidationError("a namespace is missing its name", nil)
		}
		if _, dup := seen[ns.Name]; dup {
			return errs.NewValidationError(fmt.Sprintf("duplicate namespace name %q", ns.Name), nil)
		}
		seen[ns.Name] = struct{}{}

		serverNames := make(map[string]struct{}, len(ns.Servers))
		for _, srv := range ns.Servers {
			if srv.Name == "" {
				return errs.NewValidationError(fmt.Sprintf("namespace %q has a server with no name", ns.Name), nil)
			}
			if _, dup := serverNames[srv.Name]; dup {
				return errs.NewValidationError(fmt.Sprintf("namespace %q has duplicate server name %q", ns.Name, srv.Name), nil)
			}
			serverNames[srv.Name] = struct{}{}

			switch metamcp.Transport(srv.Transport) {
			case metamcp.TransportStdio:
				if srv.Command == "" {
					return errs.NewValidationError(fmt.Sprintf("server %q/%q: STDIO servers require command", ns.Name, srv.Name), nil)
				}
			case metamcp.TransportSSE, metamcp.TransportStreamableHTTP:
				if srv.URL == "" {
					return errs.NewValidationError(fmt.Sprintf("server %q/%q: %s servers require url", ns.Name, srv.Name, srv.Transport), nil)
				}
			default:
				return errs.NewValidationError(fmt.Sprintf("server %q/%q: unknown transport %q", ns.Name, srv.Name, srv.Transport), nil)
			}
		}
	}
	return nil
}

// seedStore materializes cfg into store, assigning fresh UUIDs to every
// namespace and server (spec §3 entities are keyed by UUID; the YAML file
// only names them). It returns the UUIDs assigned to each namespace, in
// file order, since nothing else durably records the mapping from
// configured name to generated UUID.
func seedStore(store *memstore.Store, cfg *fileConfig) []uuid.UUID {
	namespaceUUIDs := make([]uuid.UUID, 0, len(cfg.Namespaces))
	for _, nsc := range cfg.Namespaces {
		ns := &metamcp.Namespace{
			UUID:                  uuid.New(),
			Name:                  nsc.Name,
			Description:           nsc.Description,
			SmartDiscoveryEnabled: nsc.SmartDiscoveryEnabled,
			SmartDiscoveryPrompt:  nsc.SmartDiscoveryPrompt,
			PinnedTools:           nsc.PinnedTools,
		}
		store.PutNamespace(ns)

		for _, srvc := range nsc.Servers {
			srv := &metamcp.McpServer{
				UUID:        uuid.New(),
				Name:        srvc.Name,
				Transport:   metamcp.Transport(srvc.Transport),
				Command:     srvc.Command,
				Args:        srvc.Args,
				Env:         srvc.Env,
				URL:         srvc.URL,
				BearerToken: srvc.BearerToken,
				Headers:     srvc.Headers,
			}
			store.PutServer(srv)
			store.PutServerMembership(metamcp.NamespaceServerMembership{
				NamespaceUUID: ns.UUID,
				ServerUUID:    srv.UUID,
				Status:        metamcp.StatusActive,
			})
		}

		if nsc.Agent != nil {
			agentUUID := uuid.New()
			ns.AskAgentUUID = &agentUUID
			store.PutAgent(&metamcp.NamespaceAgent{
				UUID:          agentUUID,
				NamespaceUUID: ns.UUID,
				AgentType:     "ask",
				Name:          nsc.Name + "-agent",
				Enabled:       true,
				Model:         nsc.Agent.Model,
				SystemPrompt:  nsc.Agent.SystemPrompt,
				AllowedTools:  nsc.Agent.AllowedTools,
				DeniedTools:   nsc.Agent.DeniedTools,
				MaxToolCalls:  nsc.Agent.MaxToolCalls,
				ExposeLimit:   nsc.Agent.ExposeLimit,
			})
		}
		namespaceUUIDs = append(namespaceUUIDs, ns.UUID)
	}
	return namespaceUUIDs
}
