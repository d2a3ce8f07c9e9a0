package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"sealchat"
)

type decryptCommand struct {
	Args struct {
		Peer string `positional-arg-name:"peer" required:"true" description:"Peer id the payload came from"`
	} `positional-args:"true" required:"true"`
}

func (cmd *decryptCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}

	var enc sealchat.Encrypted
	if err := json.Unmarshal(data, &enc); err != nil {
		// Raw ciphertext from the old wire format.
		enc = sealchat.Legacy(strings.TrimSpace(string(data)))
	}

	c := loadClient()
	defer c.Close()

	plaintext, err := c.Decrypt(ctx, cmd.Args.Peer, enc)
	if err != nil {
		return err
	}

	msg := sealchat.NewMessage(cmd.Args.Peer, opts.User, plaintext)
	if err := c.Messages().SaveMessage(ctx, msg); err != nil {
		return err
	}

	fmt.Println(plaintext)
	return nil
}
