package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
)

type bundleCommand struct{}

func (cmd *bundleCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient()
	defer c.Close()

	bundle, err := c.PreKeyBundle(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(bundle)
}
