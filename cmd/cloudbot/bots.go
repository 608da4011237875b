package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	apiclient "github.com/helGmoro/tardiaplataforma-code/pkg/api/client"
)

const defaultAPIBase = "http://localhost:3000"

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

func newBotsCmd() *cobra.Command {
	var apiBase string
	cmd := &cobra.Command{
		Use:   "bots",
		Short: "Manage bots through the platform API",
	}
	cmd.PersistentFlags().StringVar(&apiBase, "api", "", "API base URL (default "+defaultAPIBase+")")

	cmd.AddCommand(newBotsLoginCmd(&apiBase))
	cmd.AddCommand(newBotsListCmd(&apiBase))
	cmd.AddCommand(newBotsCreateCmd(&apiBase))
	cmd.AddCommand(newBotsDeleteCmd(&apiBase))
	return cmd
}

func newBotsLoginCmd(apiBase *string) *cobra.Command {
	var (
		email    string
		password string
		register bool
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and store the access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(email) == "" {
				return errors.New("--email is required")
			}
			secret := strings.TrimSpace(password)
			if secret == "" {
				fmt.Fprint(cmd.OutOrStdout(), "Password: ")
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(cmd.OutOrStdout())
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				secret = string(raw)
			}

			cfg, _ := loadConfig()
			if strings.TrimSpace(*apiBase) != "" {
				cfg.APIBaseURL = *apiBase
			}
			client, err := apiclient.New(cfg.APIBaseURL)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			var session apiclient.Session
			if register {
				session, err = client.Register(ctx, email, secret)
			} else {
				session, err = client.Login(ctx, email, secret)
			}
			if err != nil {
				return err
			}
			cfg.AccessToken = session.Token
			if err := saveConfig(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s\n", session.User.Email)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "password (prompted when omitted)")
	cmd.Flags().BoolVar(&register, "register", false, "create the account first")
	return cmd
}

func newBotsListCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your bots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, token, err := authedClient(*apiBase)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			bots, err := client.ListBots(ctx, token)
			if err != nil {
				return err
			}
			return printBots(cmd.OutOrStdout(), bots)
		},
	}
}

func newBotsCreateCmd(apiBase *string) *cobra.Command {
	var (
		name     string
		token    string
		services []string
		wait     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a bot and start provisioning it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, access, err := authedClient(*apiBase)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			bot, err := client.CreateBot(ctx, access, apiclient.CreateBotInput{Name: name, Token: token, Services: services})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bot %d (%s) is %s\n", bot.ID, bot.Name, bot.Status)
			if wait <= 0 {
				return nil
			}

			waitCtx, cancelWait := context.WithTimeout(cmd.Context(), wait)
			defer cancelWait()
			bot, err = client.WaitForBot(waitCtx, access, bot.ID, 3*time.Second)
			if err != nil {
				return err
			}
			return printBots(cmd.OutOrStdout(), []apiclient.Bot{bot})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "bot name, must end with \"bot\"")
	cmd.Flags().StringVar(&token, "token", "", "chat platform token")
	cmd.Flags().StringSliceVar(&services, "services", nil, "capabilities (clima, noticias, ia)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for the bot to become active or fail")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newBotsDeleteCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Tear down a bot and delete its record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid bot id %q", args[0])
			}
			client, token, err := authedClient(*apiBase)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			if err := client.DeleteBot(ctx, token, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bot %d deleted\n", id)
			return nil
		},
	}
}

func authedClient(apiBase string) (*apiclient.Client, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	if strings.TrimSpace(apiBase) != "" {
		cfg.APIBaseURL = apiBase
	}
	if cfg.AccessToken == "" {
		return nil, "", errors.New("not logged in; run: cloudbot bots login --email <email>")
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return nil, "", err
	}
	return client, cfg.AccessToken, nil
}

func printBots(w io.Writer, bots []apiclient.Bot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tSERVICES\tURL")
	for _, b := range bots {
		detail := b.PublicURL
		if b.Status == "error" {
			detail = b.ErrorMessage
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", b.ID, b.Name, b.Status, strings.Join(b.Services, ","), detail)
	}
	return tw.Flush()
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBase}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "cloudbot", "config.json"), nil
}
