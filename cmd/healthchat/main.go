package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/healthmon/healthchat/internal/chat"
	"github.com/healthmon/healthchat/internal/client"
	"github.com/healthmon/healthchat/internal/config"
	"github.com/healthmon/healthchat/internal/db"
	"github.com/healthmon/healthchat/internal/models"
	"github.com/healthmon/healthchat/internal/tui"
)

const usage = `healthchat - terminal client for the health monitor service

Usage:
  healthchat [flags] [command]

Commands:
  chat            open the chat interface (default)
  login           log in and store the session
  register        create an account and log in
  logout          discard the stored session
  me              show the logged-in account
  upload <zip>    upload a health data export
  delete-account  permanently delete the account (requires --yes)

Flags:
`

func main() {
	flags := pflag.NewFlagSet("healthchat", pflag.ExitOnError)
	server := flags.String("server", "", "server base URL (overrides HEALTHCHAT_SERVER_URL)")
	dbPath := flags.String("db", "", "session database path (overrides HEALTHCHAT_DB_PATH)")
	debug := flags.Bool("debug", false, "verbose logging")
	yes := flags.Bool("yes", false, "confirm destructive commands")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	// Optional .env in the working directory, same keys as the service.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *server != "" {
		cfg.ServerURL = *server
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	command := "chat"
	if flags.NArg() > 0 {
		command = flags.Arg(0)
	}

	logger, err := buildLogger(*debug, command == "chat")
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	store, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Fatal("failed to open session store",
			zap.Error(err),
			zap.String("dbPath", cfg.DBPath))
	}
	defer store.Close()

	a := &app{cfg: cfg, store: store, logger: logger, confirmed: *yes}

	ctx := context.Background()
	switch command {
	case "chat":
		err = a.runChat(ctx)
	case "login":
		err = a.runLogin(ctx)
	case "register":
		err = a.runRegister(ctx)
	case "logout":
		err = a.runLogout()
	case "me":
		err = a.runMe(ctx)
	case "upload":
		err = a.runUpload(ctx, flags.Args()[1:])
	case "delete-account":
		err = a.runDeleteAccount(ctx)
	default:
		flags.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildLogger routes logs to a file while the TUI owns the terminal,
// and to stderr otherwise.
func buildLogger(debug, toFile bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if debug {
		zcfg = zap.NewDevelopmentConfig()
	}
	if toFile {
		zcfg.OutputPaths = []string{"healthchat.log"}
		zcfg.ErrorOutputPaths = []string{"healthchat.log"}
	}
	return zcfg.Build()
}

type app struct {
	cfg       *config.Config
	store     *db.Store
	logger    *zap.Logger
	confirmed bool
}

// authedClient loads the stored session and builds a client around it.
func (a *app) authedClient() (*client.Client, *models.Session, error) {
	session, err := a.store.Load()
	if err != nil {
		return nil, nil, err
	}
	if session == nil {
		return nil, nil, errors.New("not logged in; run `healthchat login` first")
	}
	api := client.New(a.cfg.ServerURL, session.Credentials, a.store, a.cfg.HTTPTimeout, a.logger)
	return api, session, nil
}

func (a *app) runChat(ctx context.Context) error {
	api, _, err := a.authedClient()
	if err != nil {
		return err
	}

	registry := chat.NewRegistry(api, a.logger)
	session := chat.NewSession(api, registry, a.logger)
	registry.OnDelete(session.CloseIf)

	if err := registry.Refresh(ctx); err != nil {
		if errors.Is(err, client.ErrSessionInvalid) {
			return errors.New("session expired; run `healthchat login` again")
		}
		return fmt.Errorf("load conversations: %w", err)
	}

	model := tui.NewModel(registry, session, api, a.logger)
	final, err := tea.NewProgram(model, tea.WithAltScreen()).Run()
	if err != nil {
		return fmt.Errorf("run chat interface: %w", err)
	}
	if m, ok := final.(tui.Model); ok && m.SessionExpired {
		return errors.New("session expired; run `healthchat login` again")
	}
	return nil
}

func (a *app) runLogin(ctx context.Context) error {
	username, err := promptLine("Username: ")
	if err != nil {
		return err
	}
	password, err := promptPassword("Password: ")
	if err != nil {
		return err
	}

	api := client.New(a.cfg.ServerURL, models.Credentials{}, nil, a.cfg.HTTPTimeout, a.logger)
	userID, err := api.Login(ctx, username, password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	session := &models.Session{
		UserID:      userID,
		Credentials: models.Credentials{Username: username, Password: password},
	}
	if err := a.store.Save(session); err != nil {
		return err
	}
	fmt.Printf("Logged in as %s (user %d)\n", username, userID)
	return nil
}

func (a *app) runRegister(ctx context.Context) error {
	username, err := promptLine("Username: ")
	if err != nil {
		return err
	}
	name, err := promptLine("Display name: ")
	if err != nil {
		return err
	}
	password, err := promptPassword("Password: ")
	if err != nil {
		return err
	}
	confirm, err := promptPassword("Confirm password: ")
	if err != nil {
		return err
	}
	if password != confirm {
		return errors.New("passwords do not match")
	}

	api := client.New(a.cfg.ServerURL, models.Credentials{}, nil, a.cfg.HTTPTimeout, a.logger)
	userID, err := api.Register(ctx, username, name, password)
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	// Auto-login: the new credentials become the stored session.
	session := &models.Session{
		UserID:      userID,
		Credentials: models.Credentials{Username: username, Password: password},
	}
	if err := a.store.Save(session); err != nil {
		return err
	}
	fmt.Printf("Account created. Logged in as %s (user %d)\n", username, userID)
	return nil
}

func (a *app) runLogout() error {
	if err := a.store.Clear(); err != nil {
		return err
	}
	fmt.Println("Logged out.")
	return nil
}

func (a *app) runMe(ctx context.Context) error {
	api, _, err := a.authedClient()
	if err != nil {
		return err
	}
	acct, err := api.Me(ctx)
	if err != nil {
		return describeAuthErr(err)
	}
	fmt.Printf("%s (%s), user %d\n", acct.Name, acct.Username, acct.UserID)
	return nil
}

func (a *app) runUpload(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: healthchat upload <export.zip>")
	}
	zipPath := args[0]
	if !strings.HasSuffix(strings.ToLower(zipPath), ".zip") {
		return errors.New("only ZIP exports are accepted")
	}

	api, _, err := a.authedClient()
	if err != nil {
		return err
	}
	fmt.Println("Uploading and processing...")
	msg, err := api.UploadExport(ctx, zipPath)
	if err != nil {
		return describeAuthErr(err)
	}
	fmt.Println(msg)
	return nil
}

func (a *app) runDeleteAccount(ctx context.Context) error {
	if !a.confirmed {
		return errors.New("this permanently deletes the account and all data; re-run with --yes to confirm")
	}
	api, _, err := a.authedClient()
	if err != nil {
		return err
	}
	if err := api.DeleteAccount(ctx); err != nil {
		return describeAuthErr(err)
	}
	if err := a.store.Clear(); err != nil {
		return err
	}
	fmt.Println("Account deleted.")
	return nil
}

func describeAuthErr(err error) error {
	if errors.Is(err, client.ErrSessionInvalid) {
		return errors.New("session expired; run `healthchat login` again")
	}
	return err
}

func promptLine(prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("input cannot be empty")
	}
	return line, nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	if len(raw) == 0 {
		return "", errors.New("password cannot be empty")
	}
	return string(raw), nil
}
