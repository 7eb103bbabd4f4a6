package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/quasiuslikecautious/lockrs-sub001/server"
	"github.com/quasiuslikecautious/lockrs-sub001/storage"
)

// clientFile is the seed file read by "clients import"
type clientFile struct {
	Clients []clientEntry `yaml:"clients"`
}

// clientEntry is one registration. Secrets are hashed before they are stored; a
// secret_env entry reads the secret from the named environment variable.
type clientEntry struct {
	ID           string   `yaml:"id"`
	Kind         string   `yaml:"kind"`
	Name         string   `yaml:"name"`
	Secret       string   `yaml:"secret"`
	SecretEnv    string   `yaml:"secret_env"`
	SecretHash   string   `yaml:"secret_hash"`
	Scopes       []string `yaml:"scopes"`
	RedirectURIs []string `yaml:"redirect_uris"`
	GrantTypes   []string `yaml:"grant_types"`
}

func newClientsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Manage client registrations",
	}

	var cost int
	importCmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Create or replace the clients listed in a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			clients, err := parseClientFile(f, cost, time.Now())
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			b, err := a.openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer b.close()

			replaced, err := importClients(cmd.Context(), b.registry, clients)
			if err != nil {
				return err
			}
			a.logger.Info("Imported clients", "count", len(clients), "replaced", replaced, "backend", b.name)
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d client(s) into %s (%d replaced)\n", len(clients), b.name, replaced)
			return nil
		},
	}
	importCmd.Flags().IntVar(&cost, "bcrypt-cost", bcrypt.DefaultCost, "bcrypt cost for hashing client secrets")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer b.close()

			clients, err := b.registry.ListClients(cmd.Context())
			if err != nil {
				return err
			}
			return printClients(cmd.OutOrStdout(), clients)
		},
	}

	cmd.AddCommand(importCmd, list)
	return cmd
}

// parseClientFile decodes and validates a seed file, hashing plaintext secrets with cost
func parseClientFile(r io.Reader, cost int, now time.Time) ([]*storage.Client, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file clientFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("no clients defined")
		}
		return nil, fmt.Errorf("invalid client file: %w", err)
	}
	if len(file.Clients) == 0 {
		return nil, errors.New("no clients defined")
	}

	seen := make(map[string]bool, len(file.Clients))
	clients := make([]*storage.Client, 0, len(file.Clients))
	for i, e := range file.Clients {
		client, err := e.toClient(cost, now)
		if err != nil {
			return nil, fmt.Errorf("clients[%d]: %w", i, err)
		}
		if seen[client.ID] {
			return nil, fmt.Errorf("clients[%d]: duplicate id %q", i, client.ID)
		}
		seen[client.ID] = true
		clients = append(clients, client)
	}
	return clients, nil
}

func (e clientEntry) toClient(cost int, now time.Time) (*storage.Client, error) {
	id := strings.TrimSpace(e.ID)
	if id == "" {
		return nil, errors.New("id is required")
	}

	kind := storage.ClientKind(e.Kind)
	if kind == "" {
		kind = storage.ClientKindConfidential
	}

	secret := e.Secret
	if e.SecretEnv != "" {
		if secret != "" {
			return nil, fmt.Errorf("client %q: secret and secret_env are mutually exclusive", id)
		}
		secret = os.Getenv(e.SecretEnv)
		if secret == "" {
			return nil, fmt.Errorf("client %q: environment variable %s is empty", id, e.SecretEnv)
		}
	}

	hash := e.SecretHash
	switch kind {
	case storage.ClientKindConfidential:
		if secret != "" && hash != "" {
			return nil, fmt.Errorf("client %q: secret and secret_hash are mutually exclusive", id)
		}
		if secret != "" {
			h, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
			if err != nil {
				return nil, fmt.Errorf("client %q: failed to hash secret: %w", id, err)
			}
			hash = string(h)
		}
		if hash == "" {
			return nil, fmt.Errorf("client %q: confidential clients need a secret", id)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("client %q: secret_hash is not a bcrypt hash: %w", id, err)
		}
	case storage.ClientKindPublic:
		if secret != "" || hash != "" {
			return nil, fmt.Errorf("client %q: public clients cannot have a secret", id)
		}
	default:
		return nil, fmt.Errorf("client %q: unknown kind %q", id, e.Kind)
	}

	if len(e.RedirectURIs) == 0 && !onlyNonRedirectGrants(e.GrantTypes) {
		return nil, fmt.Errorf("client %q: at least one redirect_uri is required", id)
	}

	return &storage.Client{
		ID:           id,
		Kind:         kind,
		SecretHash:   hash,
		Name:         e.Name,
		Scopes:       storage.CloneScopes(e.Scopes),
		RedirectURIs: append([]string(nil), e.RedirectURIs...),
		GrantTypes:   append([]string(nil), e.GrantTypes...),
		CreatedAt:    now,
	}, nil
}

// onlyNonRedirectGrants reports whether grants is non-empty and excludes the
// authorization_code grant, the only one that redirects
func onlyNonRedirectGrants(grants []string) bool {
	if len(grants) == 0 {
		return false
	}
	for _, g := range grants {
		if g == server.GrantTypeAuthorizationCode {
			return false
		}
	}
	return true
}

// importClients saves every client, stopping at the first failure. It returns how many
// existing registrations were replaced.
func importClients(ctx context.Context, registry storage.ClientRegistry, clients []*storage.Client) (replaced int, err error) {
	for _, c := range clients {
		_, err := registry.GetClient(ctx, c.ID)
		switch {
		case err == nil:
			replaced++
		case !errors.Is(err, storage.ErrClientNotFound):
			return replaced, fmt.Errorf("failed to look up client %q: %w", c.ID, err)
		}
		if err := registry.SaveClient(ctx, c); err != nil {
			return replaced, fmt.Errorf("failed to save client %q: %w", c.ID, err)
		}
	}
	return replaced, nil
}

func printClients(w io.Writer, clients []*storage.Client) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tNAME\tSCOPES\tGRANTS")
	for _, c := range clients {
		grants := strings.Join(c.GrantTypes, ",")
		if grants == "" {
			grants = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.Kind, c.Name, strings.Join(c.Scopes, " "), grants)
	}
	return tw.Flush()
}
