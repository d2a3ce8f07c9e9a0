package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type resetCommand struct {
	Args struct {
		Peer string `positional-arg-name:"peer" required:"true" description:"Peer id"`
	} `positional-args:"true" required:"true"`
}

func (cmd *resetCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient()
	defer c.Close()

	if err := c.ResetSession(ctx, cmd.Args.Peer); err != nil {
		return err
	}
	fmt.Printf("Sessions with %s removed\n", cmd.Args.Peer)
	return nil
}
