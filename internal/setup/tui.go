// Package setup is the interactive wizard that writes a starter config and,
// for simulated runs, a starter scenario.
package setup

import (
	"embed"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/tightloop/config"
	"github.com/vadiminshakov/tightloop/internal/domain"
	"github.com/vadiminshakov/tightloop/internal/services/pricer"
	"github.com/vadiminshakov/tightloop/internal/services/strategy"
)

//go:embed templates/*.yaml
var templates embed.FS

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

const title = "TIGHTLOOP CONFIG WIZARD"

// Answers are the choices collected by the wizard.
type Answers struct {
	RunMode  domain.RunMode
	Strategy string
	RunID    string
	// Scenario is the replay file of a simulated run.
	Scenario     string
	PollInterval time.Duration
	// Deposit replaces the template's initial balance.
	Deposit            decimal.Decimal
	RebalanceThreshold decimal.Decimal
	Output             string
}

// Run walks the user through the wizard and returns the path of the
// written config.
func Run() (string, error) {
	var (
		runMode      = string(domain.ModeSimulated)
		mode         = strategy.ModePureLending
		runID        string
		scenario     = "scenario.yaml"
		pollInterval = "30s"
		deposit      = "10000"
		threshold    = "0.01"
		output       = "config.gen.yaml"
		confirm      bool
	)

	screen("STEP 1: STRATEGY")
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Pick a mode, the wizard fills in a working starter.\n"))
	options := make([]huh.Option[string], 0, len(strategy.Modes()))
	for _, m := range strategy.Modes() {
		options = append(options, huh.NewOption(m, m))
	}
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Strategy mode").
				Options(options...).
				Value(&mode),
		),
	).Run()
	if err != nil {
		return "", err
	}

	screen("STEP 2: RUN MODE")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Simulated replay or live loop?").
				Options(
					huh.NewOption("Simulated (scenario replay)", string(domain.ModeSimulated)),
					huh.NewOption("Live (paper venues, edit 'venues' afterwards)", string(domain.ModeLive)),
				).
				Value(&runMode),
		),
	).Run()
	if err != nil {
		return "", err
	}

	screen("STEP 3: RUN")
	fields := []huh.Field{
		huh.NewInput().
			Title("Run id").
			Description("Leave empty to generate one per run").
			Value(&runID),
		huh.NewInput().
			Title("Initial deposit").
			Description("Quantity of the template's funding asset").
			Value(&deposit).
			Validate(positiveDecimal),
		huh.NewInput().
			Title("Rebalance threshold").
			Description("Value drift as a fraction of total value (e.g. 0.01)").
			Value(&threshold).
			Validate(positiveDecimal),
	}
	if runMode == string(domain.ModeSimulated) {
		fields = append(fields, huh.NewInput().
			Title("Scenario file").
			Description("Written with a starter table when it does not exist").
			Value(&scenario).
			Validate(nonEmpty))
	} else {
		fields = append(fields, huh.NewInput().
			Title("Poll interval").
			Description("Duration string (e.g. 30s, 1m, 5m)").
			Value(&pollInterval).
			Validate(func(s string) error {
				_, err := time.ParseDuration(s)
				return err
			}))
	}
	fields = append(fields, huh.NewInput().
		Title("Config file").
		Value(&output).
		Validate(nonEmpty))
	if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
		return "", err
	}

	screen("FINAL CONFIRMATION")
	summary := fmt.Sprintf("Strategy: %s\nRun mode: %s\nDeposit: %s\nThreshold: %s\nConfig: %s\n",
		mode, runMode, deposit, threshold, output)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save and start").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return "", err
	}
	if !confirm {
		return "", errors.New("setup cancelled by user")
	}

	a := Answers{
		RunMode:            domain.RunMode(runMode),
		Strategy:           mode,
		RunID:              runID,
		Scenario:           scenario,
		Output:             output,
		Deposit:            decimal.RequireFromString(deposit),
		RebalanceThreshold: decimal.RequireFromString(threshold),
	}
	if a.RunMode == domain.ModeLive {
		a.Scenario = ""
		a.PollInterval, _ = time.ParseDuration(pollInterval)
	}

	if err := Write(a); err != nil {
		return "", err
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s\nStarting...", output)))
	time.Sleep(1500 * time.Millisecond) // small pause to read success message
	return output, nil
}

// Render produces the config document for a, validated by the config
// loader.
func Render(a Answers) ([]byte, error) {
	raw, err := templates.ReadFile("templates/" + a.Strategy + ".yaml")
	if err != nil {
		return nil, errors.Errorf("no starter for strategy mode %q", a.Strategy)
	}

	var tmp config.ConfigTmp
	if err := yaml.Unmarshal(raw, &tmp); err != nil {
		return nil, errors.Wrapf(err, "decode %s starter", a.Strategy)
	}

	tmp.Mode = string(a.RunMode)
	tmp.Run.ID = a.RunID
	if a.RunMode == domain.ModeLive {
		tmp.Run.Scenario = ""
		tmp.Run.PollInterval = a.PollInterval
		tmp.PaperVenues()
	} else {
		tmp.Run.Scenario = a.Scenario
	}
	if a.Deposit.IsPositive() {
		for k := range tmp.InitialBalances {
			tmp.InitialBalances[k] = a.Deposit.String()
		}
	}
	if a.RebalanceThreshold.IsPositive() {
		tmp.Strategy.RebalanceThreshold = a.RebalanceThreshold.String()
	}

	data, err := yaml.Marshal(tmp)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate yaml")
	}
	if _, err := config.Parse(data); err != nil {
		return nil, errors.Wrap(err, "generated config is invalid")
	}
	return data, nil
}

// Scenario returns the starter scenario for a strategy mode.
func Scenario(mode string) ([]byte, error) {
	data, err := templates.ReadFile("templates/" + mode + ".scenario.yaml")
	if err != nil {
		return nil, errors.Errorf("no starter scenario for strategy mode %q", mode)
	}
	if _, err := pricer.ParseScenario(data); err != nil {
		return nil, err
	}
	return data, nil
}

// Write renders a into a.Output. A simulated run also gets the starter
// scenario unless a.Scenario already exists.
func Write(a Answers) error {
	data, err := Render(a)
	if err != nil {
		return err
	}
	if err := os.WriteFile(a.Output, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to save config file")
	}

	if a.RunMode != domain.ModeSimulated {
		return nil
	}
	if _, err := os.Stat(a.Scenario); err == nil {
		return nil
	}
	sc, err := Scenario(a.Strategy)
	if err != nil {
		return err
	}
	return errors.Wrap(os.WriteFile(a.Scenario, sc, 0o644), "failed to save scenario file")
}

func screen(step string) {
	fmt.Print("\033[H\033[2J") // clear screen
	fmt.Println(headerStyle.Render(title))
	fmt.Println(stepStyle.Render(step))
}

func positiveDecimal(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return errors.New("must be a valid number")
	}
	if !d.IsPositive() {
		return errors.New("must be positive")
	}
	return nil
}

func nonEmpty(s string) error {
	if s == "" {
		return errors.New("cannot be empty")
	}
	return nil
}
