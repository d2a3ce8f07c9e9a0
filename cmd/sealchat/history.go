package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"
)

type historyCommand struct {
	Limit int `long:"limit" default:"50" description:"Maximum number of messages to print"`
	Args  struct {
		Peer string `positional-arg-name:"peer" required:"true" description:"Peer id"`
	} `positional-args:"true" required:"true"`
}

func (cmd *historyCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient()
	defer c.Close()

	msgs, err := c.Messages().GetMessages(ctx, opts.User, cmd.Args.Peer, cmd.Limit)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		ts := time.UnixMilli(m.Timestamp).Format("2006-01-02 15:04:05")
		fmt.Printf("%s  %s: %s\n", ts, m.SenderID, m.Content)
	}
	return nil
}
