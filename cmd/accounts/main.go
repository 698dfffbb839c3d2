// Command accounts manages the accounts file the proxy pools from.
// Accounts are added by pasting a composite refresh token obtained from
// an authenticated Antigravity session.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sx2000cn/antigravity-pool/internal/auth"
	"github.com/sx2000cn/antigravity-pool/internal/config"
	"github.com/sx2000cn/antigravity-pool/internal/pool"
	"github.com/sx2000cn/antigravity-pool/internal/quota"
)

func main() {
	accountsPath := flag.String("accounts", config.AccountConfigPath, "accounts file path")
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		command = "list"
	}

	storage := pool.NewStorage(*accountsPath)
	state, err := storage.Load()
	if err != nil {
		fatalf("read %s: %v", *accountsPath, err)
	}

	switch command {
	case "add":
		addAccount(storage, state)
	case "list":
		listAccounts(state)
	case "remove":
		removeAccount(storage, state, flag.Arg(1))
	case "verify":
		verifyAccounts(state)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", command)
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Println(`Usage: accounts [-accounts path] <command>

Commands:
  add             add an account from a pasted refresh token
  list            show configured accounts (default)
  remove <email>  remove one account
  verify          exchange each refresh token and report tier
  help            show this message`)
}

func addAccount(storage *pool.Storage, state *pool.StoredState) {
	scanner := bufio.NewScanner(os.Stdin)
	// Composite tokens run well past bufio's default line size.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	email := prompt(scanner, "Account email: ")
	if email == "" {
		fatalf("email is required")
	}
	for _, acc := range state.Accounts {
		if acc.Email == email {
			fatalf("account %s already exists", email)
		}
	}

	refresh := prompt(scanner, "Refresh token (refreshToken|projectId[|managedProjectId]): ")
	if refresh == "" {
		fatalf("refresh token is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Println("Verifying token...")
	result, err := auth.RefreshAccessToken(ctx, refresh)
	if err != nil {
		fatalf("token exchange failed: %v", err)
	}
	info, err := quota.NewClient().LoadCodeAssist(ctx, result.AccessToken)
	if err != nil {
		fmt.Printf("Warning: subscription lookup failed (%v); adding anyway.\n", err)
	} else {
		fmt.Printf("Verified: tier=%s project=%s\n", info.Tier, info.ProjectID)
	}

	now := time.Now()
	state.Accounts = append(state.Accounts, &pool.Account{
		Email:        email,
		Source:       pool.SourceOAuth,
		RefreshToken: refresh,
		AddedAt:      now,
	})
	if err := storage.Save(state); err != nil {
		fatalf("save accounts: %v", err)
	}
	fmt.Printf("Added %s (%d accounts total).\n", email, len(state.Accounts))
}

func listAccounts(state *pool.StoredState) {
	if len(state.Accounts) == 0 {
		fmt.Println("No accounts configured. Run \"accounts add\" to add one.")
		return
	}
	for i, acc := range state.Accounts {
		lastUsed := "never"
		if acc.LastUsed != nil {
			lastUsed = acc.LastUsed.Format(time.RFC3339)
		}
		fmt.Printf("%2d. %-40s source=%-13s added=%s last-used=%s\n",
			i+1, acc.Email, acc.Source, acc.AddedAt.Format("2006-01-02"), lastUsed)
	}
}

func removeAccount(storage *pool.Storage, state *pool.StoredState, email string) {
	if email == "" {
		fatalf("usage: accounts remove <email>")
	}
	kept := state.Accounts[:0]
	for _, acc := range state.Accounts {
		if acc.Email != email {
			kept = append(kept, acc)
		}
	}
	if len(kept) == len(state.Accounts) {
		fatalf("no account named %s", email)
	}
	state.Accounts = kept
	state.ActiveIndex = -1
	if err := storage.Save(state); err != nil {
		fatalf("save accounts: %v", err)
	}
	fmt.Printf("Removed %s (%d accounts remain).\n", email, len(kept))
}

func verifyAccounts(state *pool.StoredState) {
	if len(state.Accounts) == 0 {
		fmt.Println("No accounts configured.")
		return
	}
	client := quota.NewClient()
	failures := 0
	for _, acc := range state.Accounts {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		result, err := auth.RefreshAccessToken(ctx, acc.RefreshToken)
		if err != nil {
			cancel()
			failures++
			fmt.Printf("FAIL %-40s %v\n", acc.Email, err)
			continue
		}
		info, err := client.LoadCodeAssist(ctx, result.AccessToken)
		cancel()
		if err != nil {
			fmt.Printf("WARN %-40s token ok, subscription lookup failed: %v\n", acc.Email, err)
			continue
		}
		fmt.Printf("OK   %-40s tier=%s project=%s\n", acc.Email, info.Tier, info.ProjectID)
	}
	if failures > 0 {
		fmt.Printf("%d of %d accounts failed verification.\n", failures, len(state.Accounts))
		os.Exit(1)
	}
}

func prompt(scanner *bufio.Scanner, label string) string {
	fmt.Print(label)
	if !scanner.Scan() {
		return ""
	}
	return strings.TrimSpace(scanner.Text())
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
