package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"

	"sealchat"
)

type encryptCommand struct {
	Args struct {
		Peer    string `positional-arg-name:"peer" required:"true" description:"Peer id"`
		Message string `positional-arg-name:"message" required:"true" description:"Plaintext to encrypt"`
	} `positional-args:"true" required:"true"`
}

func (cmd *encryptCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient()
	defer c.Close()

	enc, err := c.Encrypt(ctx, cmd.Args.Peer, cmd.Args.Message)
	if err != nil {
		return err
	}

	msg := sealchat.NewMessage(opts.User, cmd.Args.Peer, cmd.Args.Message)
	if err := c.Messages().SaveMessage(ctx, msg); err != nil {
		return err
	}

	return json.NewEncoder(os.Stdout).Encode(enc)
}
