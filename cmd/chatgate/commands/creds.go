package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/chatgate/pkg/chatgate/authstore"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels/cloudapi"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels/discord"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels/instagram"
	"github.com/jholhewres/chatgate/pkg/chatgate/config"
)

// newCredsCmd creates `chatgate creds`, which manages the token-based
// provider credentials kept under each credential root.
func newCredsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "creds",
		Short: "Manage provider credentials",
		Long: `Store, list and delete the credentials of token-based providers
(cloudapi, instagram, discord). whatsmeow accounts pair by QR code instead,
through "chatgate sessions start".

When the vault is enabled, credentials are sealed with a passphrase taken
from CHATGATE_VAULT_PASSWORD, the OS keyring or a terminal prompt.

Examples:
  chatgate creds set cloudapi 5511999990000
  chatgate creds set discord support-bot --token "$DISCORD_TOKEN"
  chatgate creds list instagram`,
	}

	set := &cobra.Command{
		Use:   "set <kind> <account>",
		Short: "Store the credentials of an account",
		Args:  cobra.ExactArgs(2),
		RunE:  runCredsSet,
	}
	set.Flags().String("token", "", "access or bot token")
	set.Flags().String("phone-number-id", "", "Cloud API phone number id")
	set.Flags().String("business-account-id", "", "Cloud API business account id")
	set.Flags().String("user-id", "", "Instagram professional account id")
	set.Flags().String("page-id", "", "Facebook page id linked to the Instagram account")

	cmd.AddCommand(
		set,
		&cobra.Command{
			Use:   "list <kind>",
			Short: "List accounts with stored credentials",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				auth, err := openAuthStore(cmd, channels.ProviderKind(args[0]))
				if err != nil {
					return err
				}
				accounts, err := auth.Accounts()
				if err != nil {
					return err
				}
				if len(accounts) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "no %s credentials in %s\n", args[0], auth.Root())
				}
				for _, a := range accounts {
					fmt.Fprintln(cmd.OutOrStdout(), a)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <kind> <account>",
			Short: "Delete the credentials of an account",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				auth, err := openAuthStore(cmd, channels.ProviderKind(args[0]))
				if err != nil {
					return err
				}
				if err := auth.Delete(args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s:%s\n", args[0], channels.NormalizeAccountKey(args[1]))
				return nil
			},
		},
	)
	return cmd
}

func runCredsSet(cmd *cobra.Command, args []string) error {
	kind := channels.ProviderKind(args[0])
	account := channels.NormalizeAccountKey(args[1])
	if account == "" {
		return errors.New("account required")
	}

	flag := func(name string) string {
		v, _ := cmd.Flags().GetString(name)
		return strings.TrimSpace(v)
	}
	interactive := term.IsTerminal(int(os.Stdin.Fd())) && flag("token") == ""

	var save func(*authstore.Store) error
	switch kind {
	case channels.KindCloudAPI:
		creds := cloudapi.Credentials{
			PhoneNumberID:     flag("phone-number-id"),
			AccessToken:       flag("token"),
			BusinessAccountID: flag("business-account-id"),
		}
		if creds.PhoneNumberID == "" {
			creds.PhoneNumberID = account
		}
		if interactive {
			form := huh.NewForm(huh.NewGroup(
				huh.NewInput().Title("Phone number id").Value(&creds.PhoneNumberID).Validate(required),
				huh.NewInput().Title("Business account id").Description("Optional").Value(&creds.BusinessAccountID),
				huh.NewInput().Title("Access token").EchoMode(huh.EchoModePassword).Value(&creds.AccessToken).Validate(required),
			))
			if err := form.Run(); err != nil {
				return err
			}
		}
		save = func(auth *authstore.Store) error { return cloudapi.SaveCredentials(auth, account, creds) }

	case channels.KindInstagram:
		creds := instagram.Credentials{
			UserID:      flag("user-id"),
			PageID:      flag("page-id"),
			AccessToken: flag("token"),
		}
		if creds.UserID == "" {
			creds.UserID = account
		}
		if interactive {
			form := huh.NewForm(huh.NewGroup(
				huh.NewInput().Title("Instagram account id").Value(&creds.UserID).Validate(required),
				huh.NewInput().Title("Facebook page id").Value(&creds.PageID).Validate(required),
				huh.NewInput().Title("Page access token").EchoMode(huh.EchoModePassword).Value(&creds.AccessToken).Validate(required),
			))
			if err := form.Run(); err != nil {
				return err
			}
		}
		save = func(auth *authstore.Store) error { return instagram.SaveCredentials(auth, account, creds) }

	case channels.KindDiscord:
		creds := discord.Credentials{Token: flag("token")}
		if interactive {
			token, err := authstore.ReadPassword("Bot token: ")
			if err != nil {
				return err
			}
			creds.Token = token
		}
		save = func(auth *authstore.Store) error { return discord.SaveCredentials(auth, account, creds) }

	case channels.KindWhatsmeow:
		return errors.New("whatsmeow accounts pair by QR code: run `chatgate sessions start whatsmeow <account>`")

	default:
		return fmt.Errorf("unknown provider kind %q", kind)
	}

	auth, err := openAuthStore(cmd, kind)
	if err != nil {
		return err
	}
	if err := save(auth); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "stored %s credentials for %s in %s\n", kind, account, auth.Dir(account))
	return nil
}

func required(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("required")
	}
	return nil
}

// openAuthStore opens the credential root of kind, sealed when the vault is
// enabled.
func openAuthStore(cmd *cobra.Command, kind channels.ProviderKind) (*authstore.Store, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown provider kind %q", kind)
	}
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}
	sealer, err := vaultSealer(cfg, logger)
	if err != nil {
		return nil, err
	}
	return authstore.New(cfg.Providers()[kind].CredentialRoot, sealer)
}

func vaultSealer(cfg *config.Config, logger *slog.Logger) (*authstore.Sealer, error) {
	if !cfg.Vault.Enabled {
		return nil, nil
	}
	pass, err := authstore.ResolvePassphrase(cfg.Vault.RememberPassphrase, logger)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return authstore.NewSealer(pass)
}
