package main

import (
	"fmt"

	"github.com/kursadbilgin/delivery-engine/internal/config"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
)

func buildProviders(cfg *config.Config) (*provider.Registry, error) {
	registry, err := provider.NewRegistry(emailProvider(cfg), smsProvider(cfg))
	if err != nil {
		return nil, fmt.Errorf("provider registry: %w", err)
	}
	return registry, nil
}

func emailProvider(cfg *config.Config) provider.Provider {
	switch cfg.EmailProvider {
	case config.ProviderSMTP:
		return provider.NewSMTPProvider(provider.SMTPConfig{
			Host:       cfg.SMTPHost,
			Port:       cfg.SMTPPort,
			Username:   cfg.SMTPUsername,
			Password:   cfg.SMTPPassword,
			From:       cfg.SMTPFrom,
			Encryption: cfg.SMTPEncryption,
			Timeout:    cfg.DispatchSendTimeout(),
		})
	case config.ProviderWebhook:
		return webhookProvider(cfg, domain.ChannelEmail)
	default:
		return provider.NewSendGridProvider(provider.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			ReplyTo:   cfg.SendGridReplyTo,
			Endpoint:  cfg.SendGridEndpoint,
			Timeout:   cfg.DispatchSendTimeout(),
		})
	}
}

func smsProvider(cfg *config.Config) provider.Provider {
	if cfg.SMSProvider == config.ProviderWebhook {
		return webhookProvider(cfg, domain.ChannelSMS)
	}
	return provider.NewTwilioProvider(provider.TwilioConfig{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		FromNumber: cfg.TwilioFromNumber,
		Endpoint:   cfg.TwilioEndpoint,
		Timeout:    cfg.DispatchSendTimeout(),
	})
}

func webhookProvider(cfg *config.Config, channel domain.Channel) provider.Provider {
	p, err := provider.NewWebhookProvider(cfg.WebhookURL, channel)
	if err != nil {
		return provider.NewUnconfigured(config.ProviderWebhook, channel, "WEBHOOK_URL")
	}
	return p
}
