package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/droidscript/dssync/internal/config"
	"github.com/droidscript/dssync/internal/gateway"
	"github.com/droidscript/dssync/internal/journal"
	"github.com/droidscript/dssync/internal/registry"
	"github.com/droidscript/dssync/internal/ui"
)

// fatal prints an error and exits.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s "+format+"\n", append([]any{ui.RenderFail("Error:")}, args...)...)
	os.Exit(1)
}

func logWriter(console bool) io.Writer {
	return settings.LogWriter(console)
}

func logger(component string) *log.Logger {
	return config.Logger(logWriter(false), component)
}

// interactive reports whether prompts can be shown.
func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func prompt(title, placeholder string, secret bool) (string, error) {
	var value string
	input := huh.NewInput().Title(title).Placeholder(placeholder).Value(&value)
	if secret {
		input = input.EchoMode(huh.EchoModePassword)
	}
	if err := input.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(value), nil
}

// promptRequired asks until a non-empty value is entered.
func promptRequired(title, placeholder string) (string, error) {
	var value string
	err := huh.NewInput().
		Title(title).
		Placeholder(placeholder).
		Value(&value).
		Validate(func(s string) error {
			if strings.TrimSpace(s) == "" {
				return errors.New("a value is required")
			}
			return nil
		}).
		Run()
	return strings.TrimSpace(value), err
}

// confirm asks a yes/no question. Without a terminal it returns assumeYes.
func confirm(title string, assumeYes bool) (bool, error) {
	if assumeYes || !interactive() {
		return assumeYes, nil
	}
	ok := false
	err := huh.NewConfirm().
		Title(title).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	return ok, err
}

// openRegistry loads the project registry. The --address flag overrides
// the stored address for this run.
func openRegistry() *registry.Registry {
	reg, err := registry.Load(settings.Registry, logger("registry"))
	if err != nil {
		fatal("failed to load registry: %v", err)
	}
	if settings.Address != "" {
		if _, err := reg.SetServerAddress(settings.Address); err != nil {
			fatal("%v", err)
		}
	}
	return reg
}

func saveRegistry(reg *registry.Registry) {
	if err := reg.Save(); err != nil {
		fatal("failed to save registry: %v", err)
	}
}

// openJournal opens the history database. History is optional: a failure
// is reported and nil returned.
func openJournal(ctx context.Context) *journal.DB {
	db, err := journal.Open(ctx, settings.Journal)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s history disabled: %v\n", ui.RenderWarn("⚠"), err)
		return nil
	}
	return db
}

// ensurePassword makes sure a password is stored when the device asks for
// one, prompting when possible.
func ensurePassword(reg *registry.Registry) error {
	if reg.Password() != "" {
		return nil
	}
	if !interactive() {
		return fmt.Errorf("%w: set one with 'dssync connect --password'", gateway.ErrPasswordRequired)
	}
	pass, err := prompt("Device password", "", true)
	if err != nil {
		return err
	}
	reg.SetPassword(pass)
	return nil
}

// deviceClient returns a logged-in gateway client for one-shot commands.
// No control session is opened, so List is not gated on it.
func deviceClient(ctx context.Context, reg *registry.Registry) *gateway.Client {
	addr := reg.ServerAddress()
	if addr == "" {
		fatal("no device address; run 'dssync connect <address>' first")
	}
	client, err := gateway.New(gateway.Config{
		Address: addr,
		Timeout: settings.Timeout,
		Logger:  logger("gateway"),
	})
	if err != nil {
		fatal("%v", err)
	}

	info, err := client.ServerInfo(ctx)
	if err != nil {
		fatal("device not reachable at %s: %v", addr, err)
	}
	reg.SetInfo(*info)
	if info.UsePass {
		if err := ensurePassword(reg); err != nil {
			fatal("%v", err)
		}
		if err := client.Login(ctx, reg.Password()); err != nil {
			if errors.Is(err, gateway.ErrPasswordRequired) {
				reg.SetPassword("")
				_ = reg.Save()
			}
			fatal("login failed: %v", err)
		}
	}
	if err := reg.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "%s failed to save registry: %v\n", ui.RenderWarn("⚠"), err)
	}
	return client
}

// selectProjects resolves project names, or all projects when none are
// given.
func selectProjects(reg *registry.Registry, names []string) []registry.Project {
	if len(names) == 0 {
		projects := reg.Projects()
		if len(projects) == 0 {
			fatal("no projects registered; add one with 'dssync project add <folder>'")
		}
		return projects
	}
	var out []registry.Project
	for _, name := range names {
		p, ok := reg.FindByName(name)
		if !ok {
			fatal("%v: %s", registry.ErrProjectNotFound, name)
		}
		out = append(out, p)
	}
	return out
}
