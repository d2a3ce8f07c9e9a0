package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"sealchat"
)

type provisionCommand struct {
	PreKeys int `long:"prekeys" default:"20" description:"Number of one-time prekeys to generate"`
}

func (cmd *provisionCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient()
	defer c.Close()

	if err := c.Provision(ctx); err != nil {
		return err
	}
	if err := c.RotateSignedPreKey(ctx, 1); err != nil {
		return err
	}
	if err := c.GeneratePreKeys(ctx, 1, cmd.PreKeys); err != nil {
		return err
	}

	bundle, err := c.PreKeyBundle(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Provisioned %s\n", opts.User)
	fmt.Printf("Identity fingerprint: %s\n", sealchat.Fingerprint(bundle.IdentityKey))
	return nil
}
