package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	"sealchat"
)

type sessionCommand struct {
	Args struct {
		Peer   string `positional-arg-name:"peer" required:"true" description:"Peer id, optionally with :deviceId"`
		Bundle string `positional-arg-name:"bundle" required:"true" description:"Path to the peer's bundle JSON, or - for stdin"`
	} `positional-args:"true" required:"true"`
}

func (cmd *sessionCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var data []byte
	var err error
	if cmd.Args.Bundle == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(cmd.Args.Bundle)
	}
	if err != nil {
		return err
	}

	var bundle sealchat.PreKeyBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return fmt.Errorf("parse bundle: %w", err)
	}

	c := loadClient()
	defer c.Close()

	if err := c.CreateSession(ctx, cmd.Args.Peer, &bundle); err != nil {
		return err
	}
	fmt.Printf("Session created with %s\n", cmd.Args.Peer)
	fmt.Printf("Peer fingerprint: %s\n", sealchat.Fingerprint(bundle.IdentityKey))
	return nil
}
