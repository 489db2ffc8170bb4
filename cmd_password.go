package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/zsprackett/agent-relay/internal/config"
)

var saveLogin bool

func init() {
	hashPasswordCmd.Flags().BoolVar(&saveLogin, "save", false, "store the username and hash in the config file")
	rootCmd.AddCommand(hashPasswordCmd)
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [username]",
	Short: "Hash a password for server.auth.passwordHash",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if saveLogin && len(args) == 0 {
			return errors.New("--save needs a username")
		}
		pw, err := readPassword()
		if err != nil {
			return err
		}
		hash, err := bcrypt.GenerateFromPassword(pw, bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		if !saveLogin {
			fmt.Println(string(hash))
			return nil
		}
		cfg.Server.Auth.Username = args[0]
		cfg.Server.Auth.PasswordHash = string(hash)
		if err := config.Save(configPath, cfg); err != nil {
			return err
		}
		if err := config.EnsureJWTSecret(configPath, &cfg); err != nil {
			return err
		}
		fmt.Printf("Login saved for %s in %s\n", args[0], configPath)
		return nil
	},
}

// readPassword prompts twice on a terminal, or reads one line from a pipe.
func readPassword() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return nil, fmt.Errorf("read password: %w", err)
		}
		return []byte(strings.TrimRight(line, "\r\n")), nil
	}

	fmt.Print("Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return nil, err
	}
	fmt.Print("Confirm: ")
	again, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return nil, err
	}
	if string(pw) != string(again) {
		return nil, errors.New("passwords do not match")
	}
	if len(pw) == 0 {
		return nil, errors.New("empty password")
	}
	return pw, nil
}
