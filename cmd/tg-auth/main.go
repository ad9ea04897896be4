package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/celestix/gotgproto"
	"github.com/celestix/gotgproto/sessionMaker"
	"github.com/glebarez/sqlite"
	"github.com/gotd/td/session"
	"github.com/gotd/td/session/tdesktop"
	"github.com/gotd/td/telegram/auth/qrlogin"
	"github.com/mdp/qrterminal/v3"

	"github.com/blockedby/tg-export/internal/telegram"
)

func main() {
	fmt.Println("=== telegram auth tool ===")
	fmt.Println("this tool creates the session store the export service uses")
	fmt.Println()

	reader := bufio.NewReader(os.Stdin)

	sessionPath := os.Getenv("TG_SESSION_DB")
	if sessionPath == "" {
		sessionPath = "./data/sessions/tg_export.db"
	}
	if err := os.MkdirAll(filepath.Dir(sessionPath), 0755); err != nil {
		fmt.Printf("error: cannot create session dir: %v\n", err)
		os.Exit(1)
	}

	// try to detect telegram desktop
	tdataPath := getTelegramDesktopPath()
	accounts, tdataErr := tdesktop.Read(tdataPath, nil)

	fmt.Println("choose authentication method:")
	if tdataErr == nil && len(accounts) > 0 {
		fmt.Printf("  1. use telegram desktop session at %s (recommended)\n", tdataPath)
	} else {
		fmt.Println("  1. use telegram desktop session (none detected)")
	}
	fmt.Println("  2. authenticate with phone number (sms/code)")
	fmt.Println("  3. scan a QR code with the telegram app")
	fmt.Print("\nenter choice [2]: ")

	choice, _ := reader.ReadString('\n')
	choice = strings.TrimSpace(choice)

	apiID, apiHash := getAPICredentials(reader)

	var err error
	switch choice {
	case "1":
		if tdataErr != nil || len(accounts) == 0 {
			fmt.Println("no telegram desktop session found")
			os.Exit(1)
		}
		err = authWithTData(apiID, apiHash, sessionPath, accounts, reader)
	case "3":
		err = authWithQR(apiID, apiHash, sessionPath)
	default:
		err = authWithPhone(apiID, apiHash, sessionPath, reader)
	}

	if err != nil {
		fmt.Printf("error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\n✓ authentication successful!")
	fmt.Printf("session stored at: %s\n", sessionPath)
	fmt.Println("\n⚠️  keep this file secret! it provides full access to your telegram account")
}

// getTelegramDesktopPath returns the path to Telegram Desktop data directory
func getTelegramDesktopPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "Telegram Desktop", "tdata")
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "Telegram Desktop", "tdata")
	default: // linux
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "TelegramDesktop", "tdata")
	}
}

// getAPICredentials reads API ID and Hash from env or prompts user
func getAPICredentials(reader *bufio.Reader) (int, string) {
	apiIDStr := os.Getenv("TG_API_ID")
	apiHash := os.Getenv("TG_API_HASH")

	if apiIDStr == "" {
		fmt.Print("enter your api_id (from https://my.telegram.org): ")
		apiIDStr, _ = reader.ReadString('\n')
		apiIDStr = strings.TrimSpace(apiIDStr)
	}
	if apiHash == "" {
		fmt.Print("enter your api_hash: ")
		apiHash, _ = reader.ReadString('\n')
		apiHash = strings.TrimSpace(apiHash)
	}

	apiID, err := strconv.Atoi(apiIDStr)
	if err != nil {
		fmt.Printf("error: invalid api_id: %v\n", err)
		os.Exit(1)
	}

	return apiID, apiHash
}

// authWithTData imports a Telegram Desktop session into the session store
func authWithTData(apiID int, apiHash, sessionPath string, accounts []tdesktop.Account, reader *bufio.Reader) error {
	var selected tdesktop.Account

	if len(accounts) == 1 {
		selected = accounts[0]
		fmt.Println("\nusing the only available account")
	} else {
		fmt.Printf("\nfound %d telegram accounts\n", len(accounts))
		fmt.Print("select account number [1]: ")
		choice, _ := reader.ReadString('\n')
		choice = strings.TrimSpace(choice)

		idx := 0
		if n, err := strconv.Atoi(choice); err == nil && n >= 1 && n <= len(accounts) {
			idx = n - 1
		}
		selected = accounts[idx]
	}

	fmt.Println("\nauthenticating with telegram desktop session...")

	client, err := gotgproto.NewClient(
		apiID,
		apiHash,
		gotgproto.ClientTypePhone(""), // empty = use session
		&gotgproto.ClientOpts{
			Session:          sessionMaker.TdataSession(selected).Name(sessionPath),
			DisableCopyright: true,
		},
	)
	if err != nil {
		return err
	}
	defer client.Stop()

	fmt.Printf("logged in as: @%s\n", client.Self.Username)
	return nil
}

// authWithPhone authenticates using phone number (SMS/code)
func authWithPhone(apiID int, apiHash, sessionPath string, reader *bufio.Reader) error {
	fmt.Print("enter your phone number (with country code, e.g. +1234567890): ")
	phone, _ := reader.ReadString('\n')
	phone = strings.TrimSpace(phone)

	fmt.Println("\nauthenticating... (check telegram for code)")

	client, err := gotgproto.NewClient(
		apiID,
		apiHash,
		gotgproto.ClientTypePhone(phone),
		&gotgproto.ClientOpts{
			Session:          sessionMaker.SqlSession(sqlite.Open(sessionPath)),
			DisableCopyright: true,
		},
	)
	if err != nil {
		return err
	}
	defer client.Stop()

	fmt.Printf("logged in as: @%s\n", client.Self.Username)
	return nil
}

// authWithQR renders a login QR in the terminal and waits for the scan
func authWithQR(apiID int, apiHash, sessionPath string) error {
	bundle, err := telegram.NewQRClient(apiID, apiHash)
	if err != nil {
		return fmt.Errorf("create QR client: %w", err)
	}

	var sessionData *session.Data
	ctx := context.Background()
	err = bundle.Client.Run(ctx, func(ctx context.Context) error {
		qr := bundle.Client.QR()
		loggedIn := qrlogin.OnLoginToken(&bundle.Dispatcher)

		_, authErr := qr.Auth(ctx, loggedIn, func(_ context.Context, token qrlogin.Token) error {
			fmt.Println("\nscan this with telegram (settings → devices → link desktop device):")
			qrterminal.GenerateHalfBlock(token.URL(), qrterminal.L, os.Stdout)
			return nil
		})
		if authErr != nil {
			return authErr
		}

		// capture the in-memory session while still connected
		loader := session.Loader{Storage: bundle.Storage}
		sessionData, authErr = loader.Load(ctx)
		return authErr
	})
	if err != nil {
		return fmt.Errorf("QR auth flow failed: %w", err)
	}

	fmt.Println("\npersisting session...")
	return telegram.SaveSessionToStore(sessionPath, sessionData)
}
