package operations

import (
	"context"

	"github.com/kebairia/driveback/internal/config"
	"github.com/kebairia/driveback/internal/logger"
	"github.com/kebairia/driveback/internal/vault"
)

// ResolveWebhook fills cfg.WebhookURL from Vault when a secret path is
// configured. Any failure is logged and cfg is returned unchanged, so the run
// falls back to whatever webhook (or none) the config already names.
func ResolveWebhook(ctx context.Context, cfg config.Config, log logger.Logger, opts ...vault.Option) config.Config {
	vc := cfg.Vault
	if vc.WebhookPath == "" {
		return cfg
	}

	options := []vault.Option{
		vault.WithAddress(vc.Address),
		vault.WithToken(vc.Token),
	}
	if vc.RoleID != "" && vc.RoleName != "" {
		options = append(options, vault.WithAppRole(vc.RoleID, vc.RoleName))
	}
	options = append(options, opts...)

	client, err := vault.NewClient(ctx, options...)
	if err != nil {
		log.Warn("vault unavailable; keeping configured webhook", "error", err)
		return cfg
	}
	url, err := client.ReadString(ctx, vc.WebhookPath, vc.WebhookKey)
	if err != nil {
		log.Warn("webhook secret not resolved; keeping configured webhook", "path", vc.WebhookPath, "error", err)
		return cfg
	}
	cfg.WebhookURL = url
	log.Debug("webhook resolved from vault", "path", vc.WebhookPath)
	return cfg
}
