package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	rdb "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/quasiuslikecautious/lockrs-sub001/keyset"
	keyredis "github.com/quasiuslikecautious/lockrs-sub001/keyset/redis"
	"github.com/quasiuslikecautious/lockrs-sub001/security"
	"github.com/quasiuslikecautious/lockrs-sub001/server"
)

func newKeysCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the session signing keys",
	}

	var secret string
	rotate := &cobra.Command{
		Use:   "rotate",
		Short: "Retire the active signing key and install a new one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			if secret != "" {
				var err error
				if raw, err = security.KeyFromBase64(secret); err != nil {
					return fmt.Errorf("--secret: %w", err)
				}
			}
			return a.withKeySet(cmd.Context(), func(ks *keyset.KeySet) error {
				key, err := ks.Rotate(cmd.Context(), raw)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "active key %s\n", key.Version)
				return nil
			})
		},
	}
	rotate.Flags().StringVar(&secret, "secret", "", "base64 32-byte secret (random when empty)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List signing keys, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKeySet(cmd.Context(), func(ks *keyset.KeySet) error {
				return printKeys(cmd.OutOrStdout(), ks.Keys(), ks.MaxTokenTTL())
			})
		},
	}

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete retired keys that no longer verify any token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKeySet(cmd.Context(), func(ks *keyset.KeySet) error {
				removed, err := ks.Prune(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d key(s)\n", removed)
				return nil
			})
		},
	}

	cmd.AddCommand(rotate, list, prune)
	return cmd
}

// withKeySet opens the configured key store, loads the key set and runs fn.
// An empty keys.redis_addr selects a process-local store.
func (a *app) withKeySet(ctx context.Context, fn func(*keyset.KeySet) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var store keyset.Store
	if addr := a.cfg.Keys.RedisAddr; addr != "" {
		key, err := a.cfg.EncryptionKey()
		if err != nil {
			return err
		}
		encryptor, err := security.NewEncryptor(key)
		if err != nil {
			return err
		}
		if !encryptor.IsEnabled() {
			a.logger.Warn("keys.encryption_key is not set; signing secrets are stored unsealed")
		}

		client := rdb.NewClient(&rdb.Options{
			Addr:     addr,
			Password: a.cfg.Keys.RedisPassword,
			DB:       a.cfg.Keys.RedisDB,
		})
		defer client.Close()
		store = keyredis.New(client, encryptor, a.cfg.Keys.Prefix)
	} else {
		a.logger.Warn("keys.redis_addr is empty; using a process-local key store")
		store = keyset.NewMemoryStore()
	}

	ks, err := keyset.New(ctx, store, keyset.Config{
		MaxTokenTTL: a.cfg.Keys.MaxTokenTTL,
		Logger:      a.logger,
	})
	if err != nil {
		return err
	}
	ks.SetInstrumentation(a.inst)
	a.checkSessionWindow(ks.MaxTokenTTL())
	return fn(ks)
}

// checkSessionWindow warns when retired keys stop verifying before the sessions they
// signed expire, the same condition the server reports at startup. It returns whether
// it warned.
func (a *app) checkSessionWindow(maxTokenTTL time.Duration) bool {
	sessionTTL := a.cfg.ServerConfig().SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = server.DefaultSessionTTL
	}
	if maxTokenTTL >= sessionTTL {
		return false
	}
	a.logger.Warn("keys.max_token_ttl is shorter than tokens.session_ttl; rotated or pruned keys end sessions early",
		"max_token_ttl", maxTokenTTL,
		"session_ttl", sessionTTL)
	return true
}

// printKeys writes one row per key. Retired keys show when they stop verifying.
func printKeys(w io.Writer, keys []keyset.SigningKey, maxTokenTTL time.Duration) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATUS\tCREATED\tVERIFIES UNTIL")
	for _, k := range keys {
		status, until := "active", "-"
		if !k.IsActive() {
			status = "retired"
			until = k.RetiredAt.Add(maxTokenTTL).UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", k.Version, status, k.CreatedAt.UTC().Format(time.RFC3339), until)
	}
	return tw.Flush()
}
