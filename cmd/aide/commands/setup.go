package commands

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/aide/pkg/aide/config"
)

// newSetupCmd creates the `aide setup` interactive wizard.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Create an initial config.yaml interactively: assistant name, owner
number, LLM command and model, quiet hours and channel settings.

Examples:
  aide setup`,
		RunE: runSetup,
	}
}

func runSetup(_ *cobra.Command, _ []string) error {
	cfg := config.DefaultConfig()

	var (
		owner      string
		quietStart = strconv.Itoa(cfg.Cron.Quiet.Start)
		quietEnd   = strconv.Itoa(cfg.Cron.Quiet.End)
		whatsappOn = true
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Assistant name").
				Value(&cfg.Name),
			huh.NewInput().
				Title("Your phone number (owner, with country code)").
				Description("Example: 5511999998888. Messages from anyone else are ignored.").
				Validate(func(s string) error {
					if len(normalizePhone(s)) < 10 {
						return fmt.Errorf("include the country code")
					}
					return nil
				}).
				Value(&owner),
			huh.NewConfirm().
				Title("Enable the WhatsApp channel?").
				Value(&whatsappOn),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("LLM CLI command").
				Description("The binary aide spawns for every turn.").
				Value(&cfg.LLM.Command),
			huh.NewInput().
				Title("Default model (empty = CLI default)").
				Value(&cfg.LLM.Model),
			huh.NewInput().
				Title("Workspace directory for the LLM subprocess").
				Value(&cfg.Workspace),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Quiet hours start (0-23)").
				Description("Scheduled announcements are held during quiet hours.").
				Validate(validateHour).
				Value(&quietStart),
			huh.NewInput().
				Title("Quiet hours end (0-23)").
				Validate(validateHour).
				Value(&quietEnd),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Channels.WhatsApp.Enabled = whatsappOn
	cfg.Channels.WhatsApp.Owner = normalizePhone(owner)
	cfg.Cron.Quiet.Start, _ = strconv.Atoi(quietStart)
	cfg.Cron.Quiet.End, _ = strconv.Atoi(quietEnd)

	target := "config.yaml"
	if _, err := os.Stat(target); err == nil {
		overwrite := false
		if err := huh.NewConfirm().
			Title(target + " already exists. Overwrite?").
			Value(&overwrite).Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("Setup cancelled. Existing file kept.")
			return nil
		}
	}
	if err := config.SaveToFile(cfg, target); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Printf("\n%s created.\n\n", target)
	fmt.Println("Next steps:")
	fmt.Println("  1. Review config.yaml and adjust as needed")
	fmt.Println("  2. Run: aide serve")
	if whatsappOn {
		fmt.Println("  3. Scan the QR code with WhatsApp (Linked devices)")
	}
	return nil
}

func validateHour(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 || n > 23 {
		return fmt.Errorf("enter an hour between 0 and 23")
	}
	return nil
}

// normalizePhone strips common phone formatting characters.
func normalizePhone(phone string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '+', ' ', '-', '(', ')':
			return -1
		}
		return r
	}, phone)
}
