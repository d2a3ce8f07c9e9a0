// Command sealchat manages a local end-to-end-encrypted messaging
// store. It moves no bytes itself: bundles and ciphertexts are printed
// as JSON for the caller to transport, and incoming payloads are read
// from stdin.
//
// Usage:
//
//	sealchat -u alice provision            Generate identity and first keys
//	sealchat -u alice bundle               Print own prekey bundle
//	sealchat -u alice session bob <file>   Create a session from bob's bundle
//	sealchat -u alice encrypt bob <msg>    Encrypt a message for bob
//	sealchat -u alice decrypt bob          Decrypt a payload from stdin
package main

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"sealchat"
)

type globalOpts struct {
	DB      string `long:"db" description:"Path to database file"`
	User    string `short:"u" long:"user" required:"true" description:"Local user id"`
	Verbose bool   `short:"v" long:"verbose" description:"Enable verbose logging"`

	Provision provisionCommand `command:"provision" description:"Generate identity key pair and initial prekeys"`
	Bundle    bundleCommand    `command:"bundle" description:"Print this user's prekey bundle as JSON"`
	Keys      keysCommand      `command:"keys" description:"Rotate the signed prekey or top up one-time prekeys"`
	Session   sessionCommand   `command:"session" description:"Create a session from a peer's bundle file"`
	Encrypt   encryptCommand   `command:"encrypt" description:"Encrypt a message for a peer"`
	Decrypt   decryptCommand   `command:"decrypt" description:"Decrypt a payload from stdin"`
	History   historyCommand   `command:"history" description:"Print the cached conversation with a peer"`
	Reset     resetCommand     `command:"reset" description:"Remove all sessions with a peer"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func loadClient() *sealchat.Client {
	cfg := sealchat.Config{UserID: opts.User, DBPath: opts.DB}
	if opts.Verbose {
		log, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		cfg.Logger = log
	}

	c, err := sealchat.Open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return c
}
