package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"
)

type keysCommand struct {
	Rotate   uint32 `long:"rotate" description:"Issue a fresh signed prekey with this id"`
	Generate int    `long:"generate" description:"Number of one-time prekeys to generate"`
	Start    uint32 `long:"start" default:"1" description:"First id for generated one-time prekeys"`
	Prune    bool   `long:"prune" description:"Remove signed prekeys older than 30 days"`
}

func (cmd *keysCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient()
	defer c.Close()

	if cmd.Rotate != 0 {
		if err := c.RotateSignedPreKey(ctx, cmd.Rotate); err != nil {
			return err
		}
		fmt.Printf("Rotated signed prekey to id %d\n", cmd.Rotate)
	}
	if cmd.Generate > 0 {
		if err := c.GeneratePreKeys(ctx, cmd.Start, cmd.Generate); err != nil {
			return err
		}
		fmt.Printf("Generated %d one-time prekeys starting at id %d\n", cmd.Generate, cmd.Start)
	}
	if cmd.Prune {
		if err := c.PruneSignedPreKeys(ctx, 30*24*time.Hour); err != nil {
			return err
		}
		fmt.Println("Pruned old signed prekeys")
	}

	ids, err := c.Keys().PreKeyIDs(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("One-time prekeys available: %d\n", len(ids))
	return nil
}
