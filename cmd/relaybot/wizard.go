package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"relaybot/internal/config"

	"github.com/spf13/cobra"
)

var knownChannels = []struct {
	ID   string
	Desc string
}{
	{"telegram", "Telegram bot in a private chat or group"},
	{"discord", "Discord bot in one text channel"},
	{"slack", "Slack app (Socket Mode) in one channel"},
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup: channel → credentials → accounts → save config",
		Long:  "Asks for the operator channel, its credentials and the WhatsApp account ids, then writes the config used by --config or the default path.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(os.Stdin, os.Stdout, resolveConfigPath())
		},
	}
}

// runSetup drives the interactive setup over in/out. An existing config
// provides the defaults.
func runSetup(in io.Reader, out io.Writer, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}

	reader := bufio.NewReader(in)
	prompt := func(label, def string) (string, error) {
		if def != "" {
			fmt.Fprintf(out, "%s [%s]: ", label, def)
		} else {
			fmt.Fprintf(out, "%s: ", label)
		}
		line, err := reader.ReadString('\n')
		if err != nil && !(err == io.EOF && line != "") {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" {
			return def, nil
		}
		return s, nil
	}

	fmt.Fprintln(out, titleStyle.Render("\n--- Step 1: Operator channel ---"))
	defNum := "1"
	for i, c := range knownChannels {
		fmt.Fprintf(out, "  %d) %s: %s\n", i+1, c.ID, c.Desc)
		if c.ID == cfg.Channel.Kind {
			defNum = strconv.Itoa(i + 1)
		}
	}
	choice, err := prompt(fmt.Sprintf("Choose channel (1-%d)", len(knownChannels)), defNum)
	if err != nil {
		return err
	}
	idx, err := strconv.Atoi(choice)
	if err != nil || idx < 1 || idx > len(knownChannels) {
		idx = 1
	}
	cfg.Channel.Kind = knownChannels[idx-1].ID

	fmt.Fprintln(out, titleStyle.Render("\n--- Step 2: Credentials ---"))
	switch cfg.Channel.Kind {
	case "discord":
		tok, err := prompt("Discord bot token (or ${DISCORD_BOT_TOKEN})", orDefault(cfg.Channel.Discord.Token, "${DISCORD_BOT_TOKEN}"))
		if err != nil {
			return err
		}
		cfg.Channel.Discord.Token = tok
		ch, err := prompt("Channel id", cfg.Channel.Discord.ChannelID)
		if err != nil {
			return err
		}
		cfg.Channel.Discord.ChannelID = ch
	case "slack":
		bot, err := prompt("Slack bot token (xoxb-, or ${SLACK_BOT_TOKEN})", orDefault(cfg.Channel.Slack.BotToken, "${SLACK_BOT_TOKEN}"))
		if err != nil {
			return err
		}
		app, err := prompt("Slack app-level token (xapp-, or ${SLACK_APP_TOKEN})", orDefault(cfg.Channel.Slack.AppToken, "${SLACK_APP_TOKEN}"))
		if err != nil {
			return err
		}
		ch, err := prompt("Channel id", cfg.Channel.Slack.ChannelID)
		if err != nil {
			return err
		}
		cfg.Channel.Slack.BotToken = bot
		cfg.Channel.Slack.AppToken = app
		cfg.Channel.Slack.ChannelID = ch
	default:
		tok, err := prompt("Telegram bot token from @BotFather (or ${TELEGRAM_BOT_TOKEN})", orDefault(cfg.Channel.Telegram.Token, "${TELEGRAM_BOT_TOKEN}"))
		if err != nil {
			return err
		}
		cfg.Channel.Telegram.Token = tok
		def := ""
		if cfg.Channel.Telegram.ChatID != 0 {
			def = strconv.FormatInt(cfg.Channel.Telegram.ChatID, 10)
		}
		chat, err := prompt("Operator chat id", def)
		if err != nil {
			return err
		}
		id, err := strconv.ParseInt(chat, 10, 64)
		if err != nil {
			return fmt.Errorf("chat id %q is not a number", chat)
		}
		cfg.Channel.Telegram.ChatID = id
	}

	fmt.Fprintln(out, titleStyle.Render("\n--- Step 3: WhatsApp accounts ---"))
	ids, err := prompt("Account ids, comma separated", orDefault(strings.Join(cfg.AccountIDs(), ","), "personal"))
	if err != nil {
		return err
	}
	var accounts []config.AccountConfig
	for _, id := range strings.Split(ids, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		acct, ok := cfg.Account(id)
		if !ok {
			acct = config.AccountConfig{ID: id, Headless: true}
		}
		accounts = append(accounts, acct)
	}
	cfg.Accounts = accounts

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%s %s\n", okStyle.Render("Config saved to"), cfgPath)
	fmt.Fprintf(out, "Next: run 'relaybot login %s', then 'relaybot run'.\n", cfg.Accounts[0].ID)
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
